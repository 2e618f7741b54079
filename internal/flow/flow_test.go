package flow

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jokerjunya/ticket-get/internal/browser/browsertest"
	"github.com/jokerjunya/ticket-get/internal/config"
	"github.com/jokerjunya/ticket-get/internal/model"
)

const saleURL = "https://l-tike.com/sale/event-1"

type logEntry struct {
	level  string
	msg    string
	fields map[string]any
}

type memLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (m *memLogger) Log(level, msg string, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, logEntry{level: level, msg: msg, fields: fields})
}

func (m *memLogger) find(level, msg string) (logEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.level == level && e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

func testRequest() model.PurchaseRequest {
	return model.PurchaseRequest{
		URL:      saleURL,
		Email:    "user@example.com",
		Password: "secret",
		Quantity: 2,
		Seat:     "A席",
		Payment:  "クレジットカード",
		Delivery: "電子チケット",
		Name:     "山田太郎",
		Phone:    "090-1234-5678",
		Birth:    "1990-01-05",
	}
}

type fixture struct {
	cfg  config.Config
	urls browsertest.SiteURLs
	sess *browsertest.Session
	logs *memLogger
	dir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	urls := browsertest.DefaultURLs(cfg.Site.LoginURL, saleURL)
	return &fixture{
		cfg:  cfg,
		urls: urls,
		sess: browsertest.NewSite(cfg, urls),
		logs: &memLogger{},
		dir:  t.TempDir(),
	}
}

func (fx *fixture) flow(req model.PurchaseRequest, dry bool) *Flow {
	return New(Options{
		Session:        fx.sess,
		Request:        req,
		Config:         fx.cfg,
		Logger:         fx.logs,
		DryRun:         dry,
		DiagnosticsDir: fx.dir,
		RunID:          "purchase-log-20250601-100000",
		Sleep:          func(context.Context, time.Duration) error { return nil },
	})
}

func TestRunHappyPath(t *testing.T) {
	fx := newFixture(t)
	sel := fx.cfg.Flow.Selectors

	var started []Step
	var salePage string
	f := fx.flow(testRequest(), false)
	f.hooks = Hooks{
		StepStarted: func(s Step) { started = append(started, s) },
		SalePage:    func(u string) { salePage = u },
	}

	require.NoError(t, f.Run(context.Background()))

	assert.Equal(t, Steps(), started)
	assert.Equal(t, saleURL, salePage)
	assert.Equal(t, "user@example.com", fx.sess.Typed(sel.LoginEmail))
	assert.Equal(t, "secret", fx.sess.Typed(sel.LoginPassword))
	assert.Equal(t, "2", fx.sess.Selected(sel.Quantity))
	assert.Equal(t, "09012345678", fx.sess.Typed(sel.Phone))
	assert.Equal(t, "山田太郎", fx.sess.Typed(sel.Name))
	assert.Equal(t, "1990", fx.sess.Selected(sel.BirthYear))
	assert.Equal(t, "1", fx.sess.Selected(sel.BirthMonth))
	assert.Equal(t, "5", fx.sess.Selected(sel.BirthDay))
	assert.True(t, f.ApplyAttempted())
	assert.Zero(t, f.SaleReloads())

	calls := fx.sess.Calls()
	assert.Contains(t, calls, "click "+sel.SeatItem+"[0]")
	assert.Contains(t, calls, "click "+sel.PaymentItem+"[0]")
	assert.Contains(t, calls, "click "+sel.DeliveryItem+"[0]")
	assert.Contains(t, calls, "click "+sel.Agreement)
	assert.Contains(t, calls, "click+wait "+sel.Apply)

	cur, _ := fx.sess.CurrentURL(context.Background())
	assert.Equal(t, fx.urls.Complete, cur)
	_, warned := fx.logs.find("warn", "未检测到完成页面，请人工确认结果")
	assert.False(t, warned)
}

func TestRunDryRunStopsBeforeApply(t *testing.T) {
	fx := newFixture(t)
	f := fx.flow(testRequest(), true)

	require.NoError(t, f.Run(context.Background()))

	assert.NotContains(t, fx.sess.Calls(), "click+wait "+fx.cfg.Flow.Selectors.Apply)
	assert.False(t, f.ApplyAttempted())
	cur, _ := fx.sess.CurrentURL(context.Background())
	assert.Equal(t, fx.urls.Confirm, cur)
}

func TestSelectTicketFallsBackToFirstSeat(t *testing.T) {
	fx := newFixture(t)
	req := testRequest()
	req.Seat = "C席"
	f := fx.flow(req, false)

	require.NoError(t, f.Run(context.Background()))

	assert.Contains(t, fx.sess.Calls(), "click "+fx.cfg.Flow.Selectors.SeatItem+"[0]")
	e, ok := fx.logs.find("warn", "未找到指定席种，改选第一个")
	require.True(t, ok)
	assert.Equal(t, "C席", e.fields["requested"])
	assert.Equal(t, "A席", e.fields["chosen"])
}

func TestSelectTicketPicksMatchingSeat(t *testing.T) {
	fx := newFixture(t)
	req := testRequest()
	req.Seat = "B"
	f := fx.flow(req, false)

	require.NoError(t, f.Run(context.Background()))
	assert.Contains(t, fx.sess.Calls(), "click "+fx.cfg.Flow.Selectors.SeatItem+"[1]")
}

func TestAcquireSalePageAlreadyOpen(t *testing.T) {
	fx := newFixture(t)
	f := fx.flow(testRequest(), false)
	require.NoError(t, f.RunFrom(context.Background(), AcquireSalePage))
	assert.Zero(t, fx.sess.Reloads())
	assert.Zero(t, f.SaleReloads())
}

func TestAcquireSalePageRetriesUntilOpen(t *testing.T) {
	fx := newFixture(t)
	fx.sess.SetPage(saleURL, browsertest.NotOnSalePage(fx.cfg))
	fx.sess.OnReload = func(s *browsertest.Session, n int) {
		if n == 3 {
			s.SetPage(saleURL, browsertest.SalePage(fx.cfg, fx.urls.Info, "A席"))
		}
	}
	var slept []time.Duration
	f := fx.flow(testRequest(), false)
	f.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	require.NoError(t, f.Run(context.Background()))
	assert.Equal(t, 3, f.SaleReloads())
	assert.Equal(t, 3, fx.sess.Reloads())
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second, 3 * time.Second}, slept)
}

func TestAcquireSalePageGivesUp(t *testing.T) {
	fx := newFixture(t)
	fx.sess.SetPage(saleURL, browsertest.NotOnSalePage(fx.cfg))
	f := fx.flow(testRequest(), false)

	err := f.Run(context.Background())
	require.Error(t, err)

	var notOpen *SaleNotYetOpenError
	require.ErrorAs(t, err, &notOpen)
	assert.Equal(t, 10, notOpen.Attempts)
	assert.Equal(t, 10, fx.sess.Reloads())
	step, ok := FailedStep(err)
	require.True(t, ok)
	assert.Equal(t, AcquireSalePage, step)
}

func TestAcquireSalePageServerError(t *testing.T) {
	fx := newFixture(t)
	page := browsertest.SalePage(fx.cfg, fx.urls.Info, "A席")
	page.Status = 503
	fx.sess.SetPage(saleURL, page)

	err := fx.flow(testRequest(), false).Run(context.Background())
	var status *ServerStatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, 503, status.Status)
	assert.Zero(t, fx.sess.Reloads())
}

func TestAcquireSalePageChallenge(t *testing.T) {
	fx := newFixture(t)
	fx.sess.SetPage(saleURL, browsertest.ChallengePage())

	err := fx.flow(testRequest(), false).Run(context.Background())
	sig, ok := AsInterruption(err)
	require.True(t, ok)
	assert.Equal(t, AcquireSalePage, sig.Step)
	assert.Equal(t, saleURL, sig.Location)
}

func TestLoginChallengeIsInterruption(t *testing.T) {
	fx := newFixture(t)
	const challengeURL = "https://l-tike.com/login/challenge"
	fx.sess.SetPage(fx.urls.Login, browsertest.LoginPage(fx.cfg, challengeURL))
	fx.sess.SetPage(challengeURL, browsertest.ChallengePage())

	err := fx.flow(testRequest(), false).Run(context.Background())
	sig, ok := AsInterruption(err)
	require.True(t, ok)
	assert.Equal(t, InterruptCaptcha, sig.Kind)
	assert.Equal(t, Login, sig.Step)
	assert.Equal(t, challengeURL, sig.Location)

	var auth *AuthenticationError
	assert.False(t, errors.As(err, &auth))
}

func TestLoginWithoutMarkerIsAuthenticationError(t *testing.T) {
	fx := newFixture(t)
	fx.sess.SetPage(fx.urls.MyPage, &browsertest.Page{Content: "<html><body>ログインに失敗しました</body></html>"})

	err := fx.flow(testRequest(), false).Run(context.Background())
	var auth *AuthenticationError
	require.ErrorAs(t, err, &auth)
	_, interrupted := AsInterruption(err)
	assert.False(t, interrupted)
	assert.NotContains(t, fx.sess.Navigations(), saleURL)
}

func TestSelectTicketFailureTakesScreenshot(t *testing.T) {
	fx := newFixture(t)
	page := browsertest.SalePage(fx.cfg, fx.urls.Info, "A席")
	delete(page.Elements, fx.cfg.Flow.Selectors.Quantity)
	fx.sess.SetPage(saleURL, page)

	err := fx.flow(testRequest(), false).Run(context.Background())
	var pre *StepPreconditionError
	require.ErrorAs(t, err, &pre)
	assert.Equal(t, SelectTicket, pre.Step)
	assert.Equal(t, fx.cfg.Flow.Selectors.Quantity, pre.Selector)

	want := filepath.Join(fx.dir, "purchase-log-20250601-100000-ticket-selection-error.png")
	assert.Equal(t, []string{want}, fx.sess.Screenshots())
	assert.FileExists(t, want)
}

func TestSelectTicketWithoutSeatsFails(t *testing.T) {
	fx := newFixture(t)
	fx.sess.SetPage(saleURL, browsertest.SalePage(fx.cfg, fx.urls.Info))

	err := fx.flow(testRequest(), false).Run(context.Background())
	require.ErrorIs(t, err, ErrNoCandidates)
	step, _ := FailedStep(err)
	assert.Equal(t, SelectTicket, step)
}

func TestElementMissingBehindChallengeIsInterruption(t *testing.T) {
	fx := newFixture(t)
	page := browsertest.InfoPage(fx.cfg, fx.urls.Payment)
	page.Content = "<html><body>CAPTCHA</body></html>"
	delete(page.Elements, fx.cfg.Flow.Selectors.Name)
	fx.sess.SetPage(fx.urls.Info, page)

	err := fx.flow(testRequest(), false).Run(context.Background())
	sig, ok := AsInterruption(err)
	require.True(t, ok)
	assert.Equal(t, EnterPurchaserInfo, sig.Step)
	assert.Equal(t, fx.urls.Info, sig.Location)
}

func TestPaymentWithoutOptionsOnlyWarns(t *testing.T) {
	fx := newFixture(t)
	sel := fx.cfg.Flow.Selectors
	pages := browsertest.SitePages(fx.cfg, fx.urls)
	payment := pages[fx.urls.Payment]
	payment.Elements[sel.PaymentItem] = nil
	fx.sess.SetPage(fx.urls.Payment, payment)

	require.NoError(t, fx.flow(testRequest(), false).Run(context.Background()))
	_, ok := fx.logs.find("warn", "没有可选的支付方式")
	assert.True(t, ok)
}

func TestSubmitWarnsWithoutCompletedMarker(t *testing.T) {
	fx := newFixture(t)
	sel := fx.cfg.Flow.Selectors
	const doneURL = "https://l-tike.com/order/thanks"
	pages := browsertest.SitePages(fx.cfg, fx.urls)
	confirm := pages[fx.urls.Confirm]
	confirm.Links[sel.Apply] = doneURL
	fx.sess.SetPage(fx.urls.Confirm, confirm)
	fx.sess.SetPage(doneURL, &browsertest.Page{})

	require.NoError(t, fx.flow(testRequest(), false).Run(context.Background()))
	e, ok := fx.logs.find("warn", "未检测到完成页面，请人工确认结果")
	require.True(t, ok)
	assert.Equal(t, doneURL, e.fields["url"])
}

func TestSubmitIsNotRepeated(t *testing.T) {
	fx := newFixture(t)
	f := fx.flow(testRequest(), false)
	require.NoError(t, f.Run(context.Background()))

	fx.sess.SetCurrent(fx.urls.Confirm)
	err := f.RunFrom(context.Background(), Submit)
	require.ErrorIs(t, err, ErrSubmitAlreadyAttempted)

	applies := 0
	for _, c := range fx.sess.Calls() {
		if c == "click+wait "+fx.cfg.Flow.Selectors.Apply {
			applies++
		}
	}
	assert.Equal(t, 1, applies)
}

func TestResumeTable(t *testing.T) {
	fx := newFixture(t)
	f := fx.flow(testRequest(), false)

	markers := func(table []ResumePoint) []string {
		out := make([]string, 0, len(table))
		for _, p := range table {
			out = append(out, p.Step.String()+"="+p.Marker)
		}
		return out
	}
	// 还没拿到开售页时，购票页 url 指向 AcquireSalePage。
	assert.Equal(t, []string{
		"Login=login",
		"AcquireSalePage=" + saleURL,
		"SelectTicket=select",
		"EnterPurchaserInfo=info",
		"SelectPaymentAndDelivery=payment",
		"Submit=confirm",
	}, markers(f.ResumeTable()))
	for _, p := range f.ResumeTable() {
		assert.True(t, p.Resumable, p.Step.String())
	}

	require.NoError(t, f.Run(context.Background()))
	table := f.ResumeTable()
	assert.Equal(t, "SelectTicket="+saleURL, markers(table)[1])
	assert.False(t, table[len(table)-1].Resumable)
	assert.True(t, slices.ContainsFunc(table, func(p ResumePoint) bool { return p.Step == Login && p.Resumable }))
}

func TestRunFromInvalidStep(t *testing.T) {
	fx := newFixture(t)
	require.Error(t, fx.flow(testRequest(), false).RunFrom(context.Background(), Step(42)))
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fx.flow(testRequest(), false).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, fx.sess.Navigations())
}

func TestDefinitionsFollowConfig(t *testing.T) {
	fx := newFixture(t)
	defs := fx.flow(testRequest(), false).Definitions()
	require.Len(t, defs, len(Steps()))
	for i, d := range defs {
		assert.Equal(t, Steps()[i], d.Step)
	}
	assert.Equal(t, fx.cfg.Flow.Selectors.LoginEmail, defs[Login].Entry)
	assert.Equal(t, fx.cfg.Flow.Selectors.SeatRegion, defs[SelectTicket].Entry)
	assert.Equal(t, fx.cfg.Flow.SeatTimeout(), defs[SelectTicket].EntryTimeout)
	assert.Empty(t, defs[AcquireSalePage].Entry)
	assert.Empty(t, defs[AcquireSalePage].ResumeMarkers)
	assert.Equal(t, []string{saleURL, "select"}, defs[SelectTicket].ResumeMarkers)
}

func TestStepsWaitForEntryElement(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.flow(testRequest(), false).Run(context.Background()))
	calls := fx.sess.Calls()
	for _, d := range fx.flow(testRequest(), false).Definitions() {
		if d.Entry == "" {
			continue
		}
		assert.Contains(t, calls, "wait "+d.Entry, d.Step.String())
	}
}

func TestParseStep(t *testing.T) {
	for _, s := range Steps() {
		got, ok := ParseStep(s.String())
		require.True(t, ok, s.String())
		assert.Equal(t, s, got)
	}
	got, ok := ParseStep(" selectticket ")
	assert.True(t, ok)
	assert.Equal(t, SelectTicket, got)

	_, ok = ParseStep("Checkout")
	assert.False(t, ok)
	assert.Equal(t, "Step(9)", Step(9).String())
}
