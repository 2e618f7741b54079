package flow

import (
	"fmt"
	"strings"
)

// Step 购票流程的各个阶段，严格按声明顺序执行。
type Step int

const (
	Login Step = iota
	AcquireSalePage
	SelectTicket
	EnterPurchaserInfo
	SelectPaymentAndDelivery
	Submit
)

var stepNames = [...]string{
	Login:                    "Login",
	AcquireSalePage:          "AcquireSalePage",
	SelectTicket:             "SelectTicket",
	EnterPurchaserInfo:       "EnterPurchaserInfo",
	SelectPaymentAndDelivery: "SelectPaymentAndDelivery",
	Submit:                   "Submit",
}

// Steps 按执行顺序返回全部步骤。
func Steps() []Step {
	return []Step{Login, AcquireSalePage, SelectTicket, EnterPurchaserInfo, SelectPaymentAndDelivery, Submit}
}

func (s Step) Valid() bool {
	return s >= Login && s <= Submit
}

func (s Step) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Step(%d)", int(s))
	}
	return stepNames[s]
}

func ParseStep(name string) (Step, bool) {
	for _, s := range Steps() {
		if strings.EqualFold(s.String(), strings.TrimSpace(name)) {
			return s, true
		}
	}
	return 0, false
}
