package logbus

import "maps"

type nopLogger struct{}

func (nopLogger) Log(string, string, map[string]any) {}

// Nop 丢弃所有日志。
func Nop() Logger { return nopLogger{} }

type fieldsLogger struct {
	next   Logger
	fields map[string]any
}

// With 返回一个在每条日志上追加固定字段的 Logger；调用方字段同名时优先。
func With(l Logger, fields map[string]any) Logger {
	if l == nil {
		l = Nop()
	}
	if len(fields) == 0 {
		return l
	}
	return fieldsLogger{next: l, fields: maps.Clone(fields)}
}

func (l fieldsLogger) Log(level, message string, fields map[string]any) {
	merged := make(map[string]any, len(l.fields)+len(fields))
	maps.Copy(merged, l.fields)
	maps.Copy(merged, fields)
	l.next.Log(level, message, merged)
}

// OrNop 把 nil Logger 替换为 Nop，方便组件在 Options 里省略日志。
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop()
	}
	return l
}
