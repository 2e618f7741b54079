package httpapi

import (
	"html/template"
	"net/http"
)

var continuePageTpl = template.Must(template.New("continue").Parse(`<!doctype html>
<html>
  <head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>继续执行</title>
    <style>
      body {
        margin: 0;
        background: #f5f5f5;
        font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', 'PingFang SC', 'Hiragino Sans GB', 'Microsoft YaHei', sans-serif;
        display: flex;
        align-items: center;
        justify-content: center;
        height: 100vh;
        color: #303133;
      }
      .card {
        width: min(420px, 92vw);
        background: #fff;
        border-radius: 12px;
        padding: 18px 16px 20px;
        box-shadow: 0 6px 30px rgba(0, 0, 0, 0.08);
        text-align: center;
      }
      .title { font-size: 18px; font-weight: 600; margin-bottom: 8px; }
      .meta { font-size: 13px; color: #606266; margin-bottom: 14px; word-break: break-all; }
      #button {
        width: 100%;
        height: 44px;
        border: none;
        border-radius: 999px;
        background: #0054a7;
        color: #fff;
        font-size: 16px;
        cursor: pointer;
      }
      #button:disabled { background: #a0cfff; cursor: default; }
      #status { margin-top: 12px; font-size: 12px; color: #909399; min-height: 18px; }
    </style>
  </head>
  <body>
    <div class="card">
      <div class="title">在浏览器中处理完验证码后点击继续</div>
      <div class="meta">执行：{{if .RunID}}{{.RunID}}{{else}}无{{end}}　步骤：{{if .Step}}{{.Step}}{{else}}-{{end}}</div>
      <button id="button" {{if not .Waiting}}disabled{{end}}>继续</button>
      <div id="status">{{if not .Waiting}}当前没有等待继续的执行{{end}}</div>
    </div>
    <script>
      (function () {
        var btn = document.getElementById('button');
        var status = document.getElementById('status');
        btn.addEventListener('click', function () {
          btn.disabled = true;
          status.textContent = '提交中...';
          fetch('/api/v1/runs/continue', { method: 'POST' })
            .then(function (r) { return r.json().then(function (body) { return { ok: r.ok, body: body }; }); })
            .then(function (res) {
              status.textContent = res.ok ? '已继续' : (res.body.error || '提交失败');
              if (!res.ok) btn.disabled = false;
            })
            .catch(function (e) {
              status.textContent = String(e);
              btn.disabled = false;
            });
        });
      })();
    </script>
  </body>
</html>`))

func (s *Server) handleContinuePage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := continuePageTpl.Execute(w, s.state.Snapshot()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
}
