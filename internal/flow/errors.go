package flow

import (
	"errors"
	"fmt"
)

// InterruptKind 人工介入的原因。
type InterruptKind string

const InterruptCaptcha InterruptKind = "CAPTCHA"

// InterruptionSignal 页面被验证码拦截，需要人工处理后从当前位置继续。
type InterruptionSignal struct {
	Kind     InterruptKind
	Step     Step
	Location string
}

func (e *InterruptionSignal) Error() string {
	return fmt.Sprintf("%s challenge during %s at %s", e.Kind, e.Step, e.Location)
}

// AuthenticationError 登录后没有出现登录成功标记，且页面上没有验证码。
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("login failed: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// SaleNotYetOpenError 刷新次数用完仍显示“尚未开售”。
type SaleNotYetOpenError struct {
	URL      string
	Attempts int
}

func (e *SaleNotYetOpenError) Error() string {
	return fmt.Sprintf("sale page %s still not on sale after %d reloads", e.URL, e.Attempts)
}

// ServerStatusError 购票页返回 5xx。
type ServerStatusError struct {
	URL    string
	Status int
}

func (e *ServerStatusError) Error() string {
	return fmt.Sprintf("sale page %s returned status %d", e.URL, e.Status)
}

// StepPreconditionError 步骤需要的页面元素不存在。
type StepPreconditionError struct {
	Step     Step
	Selector string
	Err      error
}

func (e *StepPreconditionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Step, e.Selector, e.Err)
}

func (e *StepPreconditionError) Unwrap() error { return e.Err }

// NavigationTimeoutError 点击或跳转后页面没有在限定时间内加载完成。
type NavigationTimeoutError struct {
	Step     Step
	Selector string
	Err      error
}

func (e *NavigationTimeoutError) Error() string {
	if e.Selector == "" {
		return fmt.Sprintf("%s: navigation timeout: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("%s: navigation after %s timed out: %v", e.Step, e.Selector, e.Err)
}

func (e *NavigationTimeoutError) Unwrap() error { return e.Err }

// StepError 标记错误发生在哪一步。
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

var (
	ErrNoCandidates           = errors.New("no selectable entries")
	ErrSubmitAlreadyAttempted = errors.New("apply was already attempted in this run")
)

// AsInterruption 判断 err 是否为验证码拦截。
func AsInterruption(err error) (*InterruptionSignal, bool) {
	var sig *InterruptionSignal
	if errors.As(err, &sig) {
		return sig, true
	}
	return nil, false
}

// FailedStep 返回出错的步骤。
func FailedStep(err error) (Step, bool) {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step, true
	}
	return 0, false
}
