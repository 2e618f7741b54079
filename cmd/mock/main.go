package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/jokerjunya/ticket-get/internal/logbus"
	"github.com/jokerjunya/ticket-get/internal/mocksite"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8081", "listen address")
	presale := flag.Int("presale", 2, "number of sale page loads showing the not-on-sale marker")
	serverErrors := flag.Int("server-errors", 0, "number of sale page loads answering 503")
	captcha := flag.Bool("captcha", false, "show a captcha on the purchaser info page until solved")
	password := flag.String("password", "", "required login password (any non-empty password when unset)")
	flag.Parse()

	bus := logbus.New(200)
	defer bus.Close()
	stop := bus.Tail(os.Stdout)
	defer stop()

	site := mocksite.New(mocksite.Options{
		Logger:        bus,
		PresaleLoads:  *presale,
		ServerErrors:  *serverErrors,
		CaptchaOnInfo: *captcha,
		Password:      *password,
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           site.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("mock site listening on http://%s (login: /login, sale: /sale/event-1)", *addr)
	log.Fatal(srv.ListenAndServe())
}
