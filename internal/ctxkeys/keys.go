package ctxkeys

// TraceIDKey 上下文中的追踪ID，取值为被拦截请求的ID
type TraceIDKey struct{}
