// Package mocksite 模拟售票站点，页面结构按默认选择器搭建，用于本地联调和浏览器集成测试。
package mocksite

import (
	"html/template"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/jokerjunya/ticket-get/internal/config"
	"github.com/jokerjunya/ticket-get/internal/logbus"
)

type Options struct {
	Markers config.MarkersConfig
	Logger  logbus.Logger

	// PresaleLoads 开售页前 N 次打开显示“尚未开售”。
	PresaleLoads int
	// ServerErrors 开售页前 N 次打开返回 503，在 PresaleLoads 之前计数。
	ServerErrors int
	// CaptchaOnInfo 购买者信息页显示验证码，直到 POST /mock/solve。
	CaptchaOnInfo bool
	// Password 非空时登录必须匹配。
	Password string

	Seats      []string
	Payments   []string
	Deliveries []string
}

// Stats 站点计数，供测试断言。
type Stats struct {
	SaleLoads  int      `json:"saleLoads"`
	Logins     int      `json:"logins"`
	Applied    int      `json:"applied"`
	Captcha    bool     `json:"captcha"`
	LastSeat   string   `json:"lastSeat,omitempty"`
	LastFields []string `json:"lastFields,omitempty"`
}

type Site struct {
	opts  Options
	log   logbus.Logger
	pages *template.Template

	mu      sync.Mutex
	stats   Stats
	captcha bool
}

func New(opts Options) *Site {
	def := config.Default().Flow.Markers
	if len(opts.Markers.NotOnSale) == 0 {
		opts.Markers.NotOnSale = def.NotOnSale
	}
	if len(opts.Markers.Challenge) == 0 {
		opts.Markers.Challenge = def.Challenge
	}
	if len(opts.Seats) == 0 {
		opts.Seats = []string{"S席", "A席", "B席"}
	}
	if len(opts.Payments) == 0 {
		opts.Payments = []string{"クレジットカード", "コンビニ払い"}
	}
	if len(opts.Deliveries) == 0 {
		opts.Deliveries = []string{"電子チケット", "配送"}
	}
	return &Site{
		opts:    opts,
		log:     logbus.OrNop(opts.Logger),
		pages:   template.Must(template.New("site").Parse(pageTemplates)),
		captcha: opts.CaptchaOnInfo,
	}
}

func (s *Site) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.Captcha = s.captcha
	out.LastFields = append([]string(nil), s.stats.LastFields...)
	return out
}

func (s *Site) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /mock/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("GET /mock/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": s.Stats()})
	})
	mux.HandleFunc("POST /mock/solve", s.handleSolve)

	mux.HandleFunc("GET /login", s.handleLoginPage)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("GET /mypage", s.page("mypage"))
	mux.HandleFunc("GET /sale/{id}", s.handleSale)
	mux.HandleFunc("GET /order/info", s.handleInfo)
	mux.HandleFunc("GET /order/payment", s.handleFormStep("payment"))
	mux.HandleFunc("GET /order/confirm", s.handleFormStep("confirm"))
	mux.HandleFunc("GET /order/complete", s.handleComplete)
	return mux
}

type pageData struct {
	Marker     string
	Error      bool
	Seats      []string
	Payments   []string
	Deliveries []string
	Years      []int
	Months     []int
	Days       []int
}

func (s *Site) data() pageData {
	return pageData{
		Seats:      s.opts.Seats,
		Payments:   s.opts.Payments,
		Deliveries: s.opts.Deliveries,
		Years:      numbers(1930, 2015),
		Months:     numbers(1, 12),
		Days:       numbers(1, 31),
	}
}

func (s *Site) render(w http.ResponseWriter, name string, d pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := s.pages.ExecuteTemplate(w, name, d); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Site) page(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.render(w, name, s.data())
	}
}

func (s *Site) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	d := s.data()
	d.Error = r.URL.Query().Get("error") != ""
	s.render(w, "login", d)
}

func (s *Site) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	email := strings.TrimSpace(r.PostForm.Get("email"))
	password := r.PostForm.Get("password")
	ok := email != "" && password != ""
	if s.opts.Password != "" {
		ok = ok && password == s.opts.Password
	}
	if !ok {
		s.log.Log(logbus.LevelWarn, "模拟站点：登录失败", map[string]any{"email": email})
		http.Redirect(w, r, "/login?error=1", http.StatusSeeOther)
		return
	}
	s.mu.Lock()
	s.stats.Logins++
	s.mu.Unlock()
	http.Redirect(w, r, "/mypage", http.StatusSeeOther)
}

func (s *Site) handleSale(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.stats.SaleLoads++
	n := s.stats.SaleLoads
	s.mu.Unlock()

	if n <= s.opts.ServerErrors {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	d := s.data()
	if n <= s.opts.ServerErrors+s.opts.PresaleLoads {
		d.Marker = s.opts.Markers.NotOnSale[0]
		s.render(w, "presale", d)
		return
	}
	s.render(w, "sale", d)
}

func (s *Site) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.recordFields(r)
	s.mu.Lock()
	blocked := s.captcha
	s.mu.Unlock()
	d := s.data()
	if blocked {
		d.Marker = s.opts.Markers.Challenge[len(s.opts.Markers.Challenge)-1]
		s.render(w, "challenge", d)
		return
	}
	s.render(w, "info", d)
}

func (s *Site) handleFormStep(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.recordFields(r)
		s.render(w, name, s.data())
	}
}

func (s *Site) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.stats.Applied++
	s.mu.Unlock()
	s.log.Log(logbus.LevelInfo, "模拟站点：收到申请", map[string]any{"query": r.URL.RawQuery})
	s.render(w, "complete", s.data())
}

func (s *Site) handleSolve(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.captcha = false
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// recordFields 记录上一页以 GET 表单提交的字段名，便于断言流程确实填写了表单。
func (s *Site) recordFields(r *http.Request) {
	q := r.URL.Query()
	if len(q) == 0 {
		return
	}
	fields := make([]string, 0, len(q))
	for k := range q {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.LastFields = fields
	if seat := q.Get("seat"); seat != "" {
		s.stats.LastSeat = seat
	}
}
