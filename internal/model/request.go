package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// PurchaseRequest 是一次购票的全部输入，加载后只读。
type PurchaseRequest struct {
	URL      string   `json:"url"`
	Email    string   `json:"email"`
	Password string   `json:"password"`
	Quantity Quantity `json:"quantity"`
	Seat     string   `json:"seat"`
	Payment  string   `json:"payment"`
	Delivery string   `json:"delivery"`
	Name     string   `json:"name"`
	Phone    string   `json:"phone"`
	Birth    string   `json:"birth"`

	SaleStartTime string `json:"saleStartTime,omitempty"`
	// SaleTime 旧版表单导出的字段名，等同于 SaleStartTime。
	SaleTime string `json:"saleTime,omitempty"`
}

// Quantity 兼容数字和数字字符串两种写法。
type Quantity int

func (q *Quantity) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*q = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*q = 0
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("quantity %q is not a number", s)
		}
		*q = Quantity(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("quantity: %w", err)
	}
	*q = Quantity(n)
	return nil
}

// RequestLoadError 购票请求无法读取或内容不合法，发生在浏览器启动之前。
type RequestLoadError struct {
	Path string
	Err  error
}

func (e *RequestLoadError) Error() string {
	return fmt.Sprintf("load purchase request %s: %v", e.Path, e.Err)
}

func (e *RequestLoadError) Unwrap() error { return e.Err }

func LoadPurchaseRequest(path string) (PurchaseRequest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return PurchaseRequest{}, &RequestLoadError{Path: path, Err: err}
	}
	req, err := ParsePurchaseRequest(b)
	if err != nil {
		return PurchaseRequest{}, &RequestLoadError{Path: path, Err: err}
	}
	return req, nil
}

func ParsePurchaseRequest(b []byte) (PurchaseRequest, error) {
	var req PurchaseRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return PurchaseRequest{}, err
	}
	if err := req.Validate(); err != nil {
		return PurchaseRequest{}, err
	}
	return req, nil
}

func (r PurchaseRequest) Validate() error {
	var missing []string
	required := []struct {
		name  string
		value string
	}{
		{"url", r.URL},
		{"email", r.Email},
		{"password", r.Password},
		{"seat", r.Seat},
		{"payment", r.Payment},
		{"delivery", r.Delivery},
		{"name", r.Name},
		{"phone", r.Phone},
		{"birth", r.Birth},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if r.Quantity <= 0 {
		missing = append(missing, "quantity")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	if _, err := ParseBirthdate(r.Birth); err != nil {
		return err
	}
	if _, _, err := r.SaleStart(time.Local); err != nil {
		return err
	}
	return nil
}

// SaleStart 返回开售时间；未填写时 ok 为 false。
func (r PurchaseRequest) SaleStart(loc *time.Location) (t time.Time, ok bool, err error) {
	raw := strings.TrimSpace(r.SaleStartTime)
	if raw == "" {
		raw = strings.TrimSpace(r.SaleTime)
	}
	if raw == "" {
		return time.Time{}, false, nil
	}
	t, err = ParseSaleTime(raw, loc)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

var saleTimeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
}

// ParseSaleTime 支持 RFC3339 以及不带时区的常见写法（按 loc 解释）。
func ParseSaleTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if loc == nil {
		loc = time.Local
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range saleTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized sale time %q", s)
}

// Birthdate 各部分均不带前导 0，可直接作为下拉框的 value。
type Birthdate struct {
	Year  string
	Month string
	Day   string
}

func ParseBirthdate(s string) (Birthdate, error) {
	raw := strings.TrimSpace(s)
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == '-' || r == '/' })
	if len(parts) != 3 {
		return Birthdate{}, fmt.Errorf("birth %q: expected YYYY-MM-DD", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return Birthdate{}, fmt.Errorf("birth %q: %w", s, err)
		}
		nums[i] = n
	}
	if nums[1] < 1 || nums[1] > 12 || nums[2] < 1 || nums[2] > 31 {
		return Birthdate{}, errors.New("birth: month or day out of range")
	}
	return Birthdate{
		Year:  strconv.Itoa(nums[0]),
		Month: strconv.Itoa(nums[1]),
		Day:   strconv.Itoa(nums[2]),
	}, nil
}
