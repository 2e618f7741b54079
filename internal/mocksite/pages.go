package mocksite

import (
	"encoding/json"
	"net/http"
)

// 页面中除验证码页外不能出现验证码标记文字，否则会被流程判定为拦截。
const pageTemplates = `
{{define "head"}}<!doctype html>
<html lang="ja">
  <head>
    <meta charset="utf-8" />
    <title>{{.}}</title>
    <style>
      body { font-family: sans-serif; margin: 24px; color: #303133; }
      label { display: block; margin: 6px 0; }
      .next-button, .apply-button { margin-top: 12px; padding: 8px 24px; }
    </style>
  </head>
  <body>{{end}}

{{define "foot"}}  </body>
</html>{{end}}

{{define "login"}}{{template "head" "ログイン"}}
    <h1>ログイン</h1>
    {{if .Error}}<p class="error">メールアドレスまたはパスワードが正しくありません</p>{{end}}
    <form method="post" action="/login">
      <label>メールアドレス <input id="login_mail" name="email" type="email" /></label>
      <label>パスワード <input id="login_pass" name="password" type="password" /></label>
      <input type="submit" value="ログイン" />
    </form>
{{template "foot"}}{{end}}

{{define "mypage"}}{{template "head" "マイページ"}}
    <nav class="user-menu">マイページ</nav>
{{template "foot"}}{{end}}

{{define "presale"}}{{template "head" "公演"}}
    <p class="notice">{{.Marker}}</p>
{{template "foot"}}{{end}}

{{define "sale"}}{{template "head" "公演"}}
    <form method="get" action="/order/info">
      <div class="seat-type-selection">
        {{range .Seats}}<label class="seat-type-item"><input type="radio" name="seat" value="{{.}}" />{{.}}</label>
        {{end}}
      </div>
      <label>枚数
        <select class="ticket-quantity" name="quantity">
          <option value="1">1</option><option value="2">2</option><option value="3">3</option><option value="4">4</option>
        </select>
      </label>
      <button type="submit" class="next-button">次へ</button>
    </form>
{{template "foot"}}{{end}}

{{define "challenge"}}{{template "head" "確認"}}
    <div id="challenge">{{.Marker}}</div>
    <button id="solve" type="button">認証する</button>
    <script>
      document.getElementById('solve').addEventListener('click', function () {
        fetch('/mock/solve', { method: 'POST' }).then(function () { location.reload(); });
      });
    </script>
{{template "foot"}}{{end}}

{{define "info"}}{{template "head" "購入者情報"}}
    <form method="get" action="/order/payment">
      <label>氏名 <input name="name" type="text" /></label>
      <label>電話番号 <input name="tel" type="tel" /></label>
      <label>生年月日
        <select name="birth_year">{{range .Years}}<option value="{{.}}">{{.}}</option>{{end}}</select>
        <select name="birth_month">{{range .Months}}<option value="{{.}}">{{.}}</option>{{end}}</select>
        <select name="birth_day">{{range .Days}}<option value="{{.}}">{{.}}</option>{{end}}</select>
      </label>
      <button type="submit" class="next-button">次へ</button>
    </form>
{{template "foot"}}{{end}}

{{define "payment"}}{{template "head" "お支払い・お受け取り"}}
    <form method="get" action="/order/confirm">
      <div class="payment-method-selection">
        {{range .Payments}}<label class="payment-method-item"><input type="radio" name="payment" value="{{.}}" />{{.}}</label>
        {{end}}
      </div>
      <div class="delivery-method-selection">
        {{range .Deliveries}}<label class="delivery-method-item"><input type="radio" name="delivery" value="{{.}}" />{{.}}</label>
        {{end}}
      </div>
      <button type="submit" class="next-button">次へ</button>
    </form>
{{template "foot"}}{{end}}

{{define "confirm"}}{{template "head" "申込内容の確認"}}
    <div class="confirm-page">
      <form method="get" action="/order/complete">
        <label><input class="agreement-checkbox" type="checkbox" name="agree" />規約に同意する</label>
        <button type="submit" class="apply-button">申し込む</button>
      </form>
    </div>
{{template "foot"}}{{end}}

{{define "complete"}}{{template "head" "申込完了"}}
    <p>お申し込みが完了しました</p>
{{template "foot"}}{{end}}
`

func numbers(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
