package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/mail"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/jokerjunya/ticket-get/internal/config"
	"github.com/jokerjunya/ticket-get/internal/logbus"
	"github.com/jokerjunya/ticket-get/internal/model"
)

// Message 一封待发送的邮件。
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// SendFunc 实际投递邮件；默认通过 gomail 走 SMTP。
type SendFunc func(ctx context.Context, settings model.EmailSettings, msg Message) error

type EmailOptions struct {
	Logger logbus.Logger
	// SummaryWindow 执行结束事件的合并窗口；<=0 时立即发送。
	// 未设置时读取 TICKET_GET_EMAIL_SUMMARY_SECONDS。
	SummaryWindow *time.Duration
	MaxBatch      int
	Send          SendFunc
}

type EmailNotifier struct {
	settings model.EmailSettings
	log      logbus.Logger
	send     SendFunc

	mu     sync.Mutex
	queue  chan Event
	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup

	summaryWindow time.Duration
	maxBatch      int
}

func NewEmailNotifier(settings model.EmailSettings, opts EmailOptions) *EmailNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	window := emailSummaryWindow()
	if opts.SummaryWindow != nil {
		window = *opts.SummaryWindow
	}
	maxBatch := opts.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 80
	}
	send := opts.Send
	if send == nil {
		send = SendSMTP
	}
	n := &EmailNotifier{
		settings:      settings,
		log:           logbus.OrNop(opts.Logger),
		send:          send,
		queue:         make(chan Event, 200),
		ctx:           ctx,
		cancel:        cancel,
		summaryWindow: window,
		maxBatch:      maxBatch,
	}
	n.wg.Add(1)
	go n.loop()
	return n
}

// Close 停止后台循环，并把尚未发送的事件合并发出。
func (n *EmailNotifier) Close(ctx context.Context) error {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *EmailNotifier) Notify(_ context.Context, evt Event) {
	if evt.At <= 0 {
		evt.At = time.Now().UnixMilli()
	}
	select {
	case n.queue <- evt:
	default:
		n.log.Log(logbus.LevelWarn, "邮件通知丢弃：队列已满", map[string]any{
			"kind":  string(evt.Kind),
			"runId": evt.RunID,
		})
	}
}

func (n *EmailNotifier) loop() {
	defer n.wg.Done()

	var (
		pending []Event
		timer   *time.Timer
		timerCh <-chan time.Time
	)

	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer = nil
		timerCh = nil
	}

	resetTimer := func() {
		if timer == nil {
			timer = time.NewTimer(n.summaryWindow)
			timerCh = timer.C
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(n.summaryWindow)
	}

	flush := func(reason string) {
		if len(pending) == 0 {
			stopTimer()
			return
		}
		events := append([]Event(nil), pending...)
		pending = pending[:0]
		stopTimer()
		n.handleBatch(reason, events)
	}

	for {
		select {
		case <-n.ctx.Done():
			// 退出前把队列里剩下的也带上。
			for {
				select {
				case evt := <-n.queue:
					pending = append(pending, evt)
					continue
				default:
				}
				break
			}
			flush("shutdown")
			return
		case evt := <-n.queue:
			// 人工介入不能等合并窗口。
			if evt.Kind == EventManualAction {
				n.handleBatch("manual", []Event{evt})
				continue
			}
			pending = append(pending, evt)
			if len(pending) >= n.maxBatch {
				flush("max")
				continue
			}
			if n.summaryWindow <= 0 {
				flush("immediate")
				continue
			}
			resetTimer()
		case <-timerCh:
			flush("idle")
		}
	}
}

func (n *EmailNotifier) handleBatch(reason string, events []Event) {
	if !n.settings.Enabled {
		n.log.Log(logbus.LevelInfo, "邮件通知未启用", map[string]any{
			"count":  len(events),
			"reason": reason,
		})
		return
	}
	if err := validateEmailSettings(n.settings); err != nil {
		n.log.Log(logbus.LevelWarn, "邮件配置无效", map[string]any{"error": err.Error()})
		return
	}

	msg, err := buildMessage(n.settings, events)
	if err != nil {
		n.log.Log(logbus.LevelWarn, "生成邮件失败", map[string]any{"error": err.Error()})
		return
	}
	// n.ctx 在 Close 时已取消，发送使用独立的超时。
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := n.send(ctx, n.settings, msg); err != nil {
		n.log.Log(logbus.LevelWarn, "邮件发送失败", map[string]any{
			"error":  err.Error(),
			"count":  len(events),
			"reason": reason,
		})
		return
	}

	n.log.Log(logbus.LevelInfo, "通知邮件已发送", map[string]any{
		"count":   len(events),
		"reason":  reason,
		"to":      msg.To,
		"subject": msg.Subject,
	})
}

func validateEmailSettings(s model.EmailSettings) error {
	email := strings.TrimSpace(s.Email)
	if email == "" {
		return errors.New("email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return errors.New("invalid email")
	}
	if strings.TrimSpace(s.AuthCode) == "" {
		return errors.New("authCode is required")
	}
	return nil
}

// SendSMTP 通过 gomail 投递，SMTP 服务器优先使用配置，其次按邮箱域名推断。
func SendSMTP(ctx context.Context, settings model.EmailSettings, m Message) error {
	if err := validateEmailSettings(settings); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	email := strings.TrimSpace(settings.Email)
	host, port, useSSL, err := smtpConfig(settings)
	if err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", msg.FormatAddress(email, "ticket-get"))
	msg.SetHeader("To", m.To)
	msg.SetHeader("Subject", m.Subject)
	msg.SetBody("text/plain", m.Text)
	msg.AddAlternative("text/html", m.HTML)

	d := gomail.NewDialer(host, port, email, strings.TrimSpace(settings.AuthCode))
	d.SSL = useSSL
	return d.DialAndSend(msg)
}

func smtpConfig(s model.EmailSettings) (host string, port int, useSSL bool, err error) {
	host, port, useSSL, err = smtpConfigForEmail(s.Email)
	if h := strings.TrimSpace(s.Host); h != "" {
		host, err = h, nil
		useSSL = s.SSL
		if s.Port > 0 {
			port = s.Port
		}
		if port == 0 {
			port = 465
		}
	}
	return host, port, useSSL, err
}

func smtpConfigForEmail(email string) (host string, port int, useSSL bool, err error) {
	parts := strings.Split(strings.TrimSpace(email), "@")
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return "", 0, false, errors.New("invalid email format")
	}
	domain := strings.ToLower(strings.TrimSpace(parts[1]))
	is := func(d string) bool { return domain == d || strings.HasSuffix(domain, "."+d) }

	switch {
	case is("gmail.com"):
		return "smtp.gmail.com", 587, false, nil
	case is("outlook.com") || is("hotmail.com") || is("live.com") || is("outlook.jp") || is("hotmail.co.jp"):
		return "smtp.office365.com", 587, false, nil
	case is("yahoo.co.jp"):
		return "smtp.mail.yahoo.co.jp", 465, true, nil
	case is("icloud.com") || is("me.com"):
		return "smtp.mail.me.com", 587, false, nil
	case is("docomo.ne.jp"):
		return "smtp.spmode.ne.jp", 465, true, nil
	case is("qq.com") || is("foxmail.com"):
		return "smtp.qq.com", 465, true, nil
	case is("163.com") || is("126.com"):
		return "smtp.163.com", 465, true, nil
	default:
		return "smtp." + domain, 465, true, nil
	}
}

func buildMessage(settings model.EmailSettings, events []Event) (Message, error) {
	if len(events) == 0 {
		return Message{}, errors.New("no events")
	}
	to := strings.TrimSpace(settings.Email)
	if len(events) == 1 {
		html, text, err := buildEventBody(events[0])
		if err != nil {
			return Message{}, err
		}
		return Message{To: to, Subject: buildSubject(events[0]), HTML: html, Text: text}, nil
	}
	html, text, err := buildSummaryBody(events)
	if err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: buildSummarySubject(events), HTML: html, Text: text}, nil
}

func buildSubject(evt Event) string {
	switch evt.Kind {
	case EventManualAction:
		return fmt.Sprintf("需要人工处理：%s（%s）", safeText(evt.Step, "未知步骤"), evt.RunID)
	default:
		label := "购票失败"
		if evt.Status == string(model.RunSuccess) {
			label = "购票成功"
		}
		if evt.DryRun {
			label += "（测试）"
		}
		return fmt.Sprintf("%s：%s", label, safeText(evt.URL, evt.RunID))
	}
}

func buildSummarySubject(events []Event) string {
	ok := 0
	for _, evt := range events {
		if evt.Status == string(model.RunSuccess) {
			ok++
		}
	}
	return fmt.Sprintf("购票结果汇总（%d 次，成功 %d）", len(events), ok)
}

var emailHTMLTpl = template.Must(template.New("email").Parse(`<!doctype html>
<html lang="ja">
  <head><meta charset="utf-8" /><title>{{ .Title }}</title></head>
  <body style="margin:0;padding:0;background:#f6f8fb;font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,'Hiragino Sans','Meiryo',sans-serif;">
    <div style="max-width:720px;margin:0 auto;padding:24px;">
      <div style="background:#ffffff;border:1px solid #e6e8ef;border-radius:14px;overflow:hidden;">
        <div style="padding:18px 22px;background:linear-gradient(135deg,#0ea5e9,#6366f1);color:#ffffff;">
          <div style="font-size:16px;font-weight:700;">{{ .Title }}</div>
          <div style="margin-top:6px;font-size:12px;opacity:.95;">ticket-get</div>
        </div>
        <div style="padding:22px;">
          <table role="presentation" cellspacing="0" cellpadding="0" border="0" style="width:100%;border-collapse:collapse;">
            <tbody>
              {{ range .Rows }}
              <tr>
                <td style="width:160px;padding:12px 14px;background:#fafbff;border-bottom:1px solid #eef0f6;color:#6b7280;font-size:12px;">{{ .K }}</td>
                <td style="padding:12px 14px;border-bottom:1px solid #eef0f6;color:#111827;font-size:12px;font-weight:600;">{{ .V }}</td>
              </tr>
              {{ end }}
            </tbody>
          </table>
        </div>
      </div>
    </div>
  </body>
</html>
`))

var emailSummaryHTMLTpl = template.Must(template.New("email-summary").Parse(`<!doctype html>
<html lang="ja">
  <head><meta charset="utf-8" /><title>购票结果汇总</title></head>
  <body style="margin:0;padding:0;background:#f6f8fb;font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,'Hiragino Sans','Meiryo',sans-serif;">
    <div style="max-width:720px;margin:0 auto;padding:24px;">
      <div style="font-size:14px;color:#111827;">共 <strong>{{ .Total }}</strong> 次，时间范围：{{ .Start }} ~ {{ .End }}</div>
      <table role="presentation" cellspacing="0" cellpadding="0" border="0" style="width:100%;margin-top:12px;border-collapse:collapse;">
        <thead>
          <tr style="background:#fafbff;">
            <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;">时间</th>
            <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;">执行</th>
            <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;">结果</th>
            <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;">错误</th>
          </tr>
        </thead>
        <tbody>
          {{ range .Rows }}
          <tr>
            <td style="padding:10px 12px;font-size:12px;">{{ .At }}</td>
            <td style="padding:10px 12px;font-size:12px;">{{ .RunID }}</td>
            <td style="padding:10px 12px;font-size:12px;">{{ .Status }}</td>
            <td style="padding:10px 12px;font-size:12px;">{{ .Error }}</td>
          </tr>
          {{ end }}
        </tbody>
      </table>
    </div>
  </body>
</html>
`))

type rowKV struct {
	K string
	V string
}

func eventTime(evt Event) time.Time {
	if evt.At > 0 {
		return time.UnixMilli(evt.At)
	}
	return time.Now()
}

func buildEventBody(evt Event) (htmlBody string, textBody string, err error) {
	title := buildSubject(evt)
	rows := []rowKV{
		{K: "时间", V: eventTime(evt).Format("2006-01-02 15:04:05")},
		{K: "执行", V: evt.RunID},
	}
	add := func(k, v string) {
		if strings.TrimSpace(v) != "" {
			rows = append(rows, rowKV{K: k, V: v})
		}
	}
	add("请求文件", evt.RequestPath)
	add("购票页", evt.URL)
	add("结果", evt.Status)
	add("错误", evt.Error)
	add("步骤", evt.Step)
	add("当前页面", evt.Location)
	add("截图", evt.Screenshot)
	if evt.Kind == EventManualAction {
		add("操作", "请在浏览器中完成验证，然后按回车或调用 /api/v1/runs/continue 继续")
	}

	data := struct {
		Title string
		Rows  []rowKV
	}{Title: title, Rows: rows}

	var buf bytes.Buffer
	if err := emailHTMLTpl.Execute(&buf, data); err != nil {
		return "", "", err
	}

	text := new(strings.Builder)
	text.WriteString(title + "\n")
	for _, r := range rows {
		text.WriteString(r.K + "：" + r.V + "\n")
	}
	return buf.String(), text.String(), nil
}

func buildSummaryBody(events []Event) (htmlBody string, textBody string, err error) {
	type summaryRow struct {
		At     string
		RunID  string
		Status string
		Error  string
	}

	rows := make([]summaryRow, 0, len(events))
	var minAt, maxAt time.Time
	for i, evt := range events {
		at := eventTime(evt)
		if i == 0 || at.Before(minAt) {
			minAt = at
		}
		if i == 0 || at.After(maxAt) {
			maxAt = at
		}
		rows = append(rows, summaryRow{
			At:     at.Format("2006-01-02 15:04:05"),
			RunID:  evt.RunID,
			Status: safeText(evt.Status, string(evt.Kind)),
			Error:  strings.TrimSpace(evt.Error),
		})
	}

	data := struct {
		Total int
		Start string
		End   string
		Rows  []summaryRow
	}{
		Total: len(events),
		Start: minAt.Format("2006-01-02 15:04:05"),
		End:   maxAt.Format("2006-01-02 15:04:05"),
		Rows:  rows,
	}

	var buf bytes.Buffer
	if err := emailSummaryHTMLTpl.Execute(&buf, data); err != nil {
		return "", "", err
	}

	text := new(strings.Builder)
	text.WriteString("购票结果汇总\n")
	text.WriteString(fmt.Sprintf("共 %d 次，时间范围：%s ~ %s\n", len(events), data.Start, data.End))
	for _, row := range rows {
		line := fmt.Sprintf("- %s | %s | %s", row.At, row.RunID, row.Status)
		if row.Error != "" {
			line += " | " + row.Error
		}
		text.WriteString(line + "\n")
	}
	return buf.String(), text.String(), nil
}

func safeText(prefer, fallback string) string {
	prefer = strings.TrimSpace(prefer)
	if prefer != "" {
		return prefer
	}
	return strings.TrimSpace(fallback)
}

func emailSummaryWindow() time.Duration {
	v := strings.TrimSpace(os.Getenv("TICKET_GET_EMAIL_SUMMARY_SECONDS"))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0
	}
	if n > 600 {
		n = 600
	}
	return time.Duration(n) * time.Second
}

// SettingsFromConfig 把配置里的邮件段转换为通知设置。
func SettingsFromConfig(c config.EmailConfig) model.EmailSettings {
	return model.EmailSettings{
		Enabled:  c.Enabled,
		Email:    strings.TrimSpace(c.Email),
		AuthCode: strings.TrimSpace(c.AuthCode),
		Host:     strings.TrimSpace(c.Host),
		Port:     c.Port,
		SSL:      c.SSL,
	}
}
