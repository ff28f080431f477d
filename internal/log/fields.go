package log

// Common field names for structured logging
const (
	FieldComponent  = "component"
	FieldRequestID  = "request_id"
	FieldClientIP   = "client_ip"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatusCode = "status_code"
	FieldDuration   = "duration_ms"
	FieldError      = "error"
	FieldOperation  = "operation"
	FieldRunID      = "run_id"
	FieldStep       = "step"
	FieldTable      = "table"
	FieldColumn     = "column"
	FieldRows       = "rows"
	FieldState      = "state"
	FieldDBPath     = "db_path"
)

// Components defines standard component names
const (
	ComponentApp       = "app"
	ComponentHTTP      = "http"
	ComponentStorage   = "storage"
	ComponentMigration = "migration"
	ComponentAMQP      = "amqp"
	ComponentTrace     = "trace"
)

// Operations defines standard operation names
const (
	OpCreate     = "create"
	OpRead       = "read"
	OpUpdate     = "update"
	OpDelete     = "delete"
	OpAddColumn  = "add_column"
	OpBackfill   = "backfill"
	OpRebuild    = "rebuild"
	OpIntrospect = "introspect"
	OpPersist    = "persist"
	OpStartup    = "startup"
	OpShutdown   = "shutdown"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

// WithComponent adds component field
func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

// WithError adds error field
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

// WithOperation adds operation field
func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithStep adds the migration step name
func (f LogFields) WithStep(step string) LogFields {
	f[FieldStep] = step
	return f
}

// WithTable adds table and, when non-empty, column fields
func (f LogFields) WithTable(table, column string) LogFields {
	f[FieldTable] = table
	if column != "" {
		f[FieldColumn] = column
	}
	return f
}

// WithRows adds an affected row count
func (f LogFields) WithRows(n int64) LogFields {
	f[FieldRows] = n
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
