package browsertest

import (
	"strconv"

	"github.com/jokerjunya/ticket-get/internal/config"
)

type SiteURLs struct {
	Login    string
	MyPage   string
	Sale     string
	Info     string
	Payment  string
	Confirm  string
	Complete string
}

func DefaultURLs(loginURL, saleURL string) SiteURLs {
	return SiteURLs{
		Login:    loginURL,
		MyPage:   "https://l-tike.com/mypage",
		Sale:     saleURL,
		Info:     "https://l-tike.com/order/info",
		Payment:  "https://l-tike.com/order/payment",
		Confirm:  "https://l-tike.com/order/confirm",
		Complete: "https://l-tike.com/order/complete",
	}
}

// NewSite 按默认选择器搭好一条能走通全部步骤的站点。
func NewSite(cfg config.Config, urls SiteURLs) *Session {
	s := New()
	for url, p := range SitePages(cfg, urls) {
		s.SetPage(url, p)
	}
	return s
}

func SitePages(cfg config.Config, urls SiteURLs) map[string]*Page {
	sel := cfg.Flow.Selectors
	return map[string]*Page{
		urls.Login:  LoginPage(cfg, urls.MyPage),
		urls.MyPage: {Elements: map[string][]string{sel.LoginMarker: {"マイページ"}}},
		urls.Sale:   SalePage(cfg, urls.Info, "A席", "B席"),
		urls.Info:   InfoPage(cfg, urls.Payment),
		urls.Payment: {
			Elements: map[string][]string{
				sel.PaymentRegion:  {""},
				sel.PaymentItem:    {"クレジットカード", "コンビニ払い"},
				sel.DeliveryRegion: {""},
				sel.DeliveryItem:   {"電子チケット", "配送"},
				sel.Next:           {"次へ"},
			},
			Links: map[string]string{sel.Next: urls.Confirm},
		},
		urls.Confirm: {
			Elements: map[string][]string{
				sel.Confirm:   {"確認"},
				sel.Agreement: {""},
				sel.Apply:     {"申し込む"},
			},
			Links: map[string]string{sel.Apply: urls.Complete},
		},
		urls.Complete: {Content: "<html><body>お申し込みが完了しました</body></html>"},
	}
}

func LoginPage(cfg config.Config, next string) *Page {
	sel := cfg.Flow.Selectors
	return &Page{
		Elements: map[string][]string{
			sel.LoginEmail:    {""},
			sel.LoginPassword: {""},
			sel.LoginSubmit:   {"ログイン"},
		},
		Links: map[string]string{sel.LoginSubmit: next},
	}
}

func SalePage(cfg config.Config, next string, seats ...string) *Page {
	sel := cfg.Flow.Selectors
	return &Page{
		Content: "<html><body>受付中</body></html>",
		Elements: map[string][]string{
			sel.SeatRegion: {""},
			sel.SeatItem:   seats,
			sel.Quantity:   {""},
			sel.Next:       {"次へ"},
		},
		Options: map[string][]string{sel.Quantity: {"1", "2", "3", "4"}},
		Links:   map[string]string{sel.Next: next},
	}
}

// NotOnSalePage 正文带有“尚未开售”标记。
func NotOnSalePage(cfg config.Config) *Page {
	return &Page{Content: "<html><body>" + cfg.Flow.Markers.NotOnSale[0] + "</body></html>"}
}

// ChallengePage 只有验证码，没有任何流程元素。
func ChallengePage() *Page {
	return &Page{Content: `<html><body><div id="captcha">CAPTCHA</div></body></html>`}
}

func InfoPage(cfg config.Config, next string) *Page {
	sel := cfg.Flow.Selectors
	return &Page{
		Elements: map[string][]string{
			sel.Name:       {""},
			sel.Phone:      {""},
			sel.BirthYear:  {""},
			sel.BirthMonth: {""},
			sel.BirthDay:   {""},
			sel.Next:       {"次へ"},
		},
		Options: map[string][]string{
			sel.BirthYear:  numbers(1930, 2015),
			sel.BirthMonth: numbers(1, 12),
			sel.BirthDay:   numbers(1, 31),
		},
		Links: map[string]string{sel.Next: next},
	}
}

func numbers(from, to int) []string {
	out := make([]string, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, strconv.Itoa(i))
	}
	return out
}
