package progress

// Well-known keys of Event.Data shared by emitters and sinks.
const (
	KeyURL        = "url"
	KeyHost       = "host"
	KeyMethod     = "method"
	KeyStatus     = "status"
	KeyBytes      = "bytes"
	KeyDurationMs = "durationMs"
	KeyErrorKind  = "errorKind"
	KeyReason     = "reason"
	KeyDetail     = "detail"
	KeyPhase      = "phase"
	KeyPending    = "pending"
	KeyHeld       = "held"
	KeyWorkers    = "workers"
	KeyKind       = "kind"
)

// StringField returns Data[key] when it holds a string.
func (e Event) StringField(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Int64Field returns Data[key] as an int64. Events decoded from JSON carry
// float64 numbers, so every numeric kind is accepted.
func (e Event) Int64Field(key string) int64 {
	switch v := e.Data[key].(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case uint64:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}
