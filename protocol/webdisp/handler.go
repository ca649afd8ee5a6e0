package webdisp

import (
	"embed"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tailscale.com/tsweb"
)

//go:embed static/*
var staticFS embed.FS

type asset struct {
	name        string
	contentType string
}

var assets = map[string]asset{
	`/`:           {name: `static/webdisp.html`, contentType: `text/html; charset=UTF-8`},
	`/webdisp.js`: {name: `static/webdisp.js`, contentType: `application/javascript`},
}

func (a *Adapter) handler() http.Handler {
	var debug http.Handler
	if a.debug {
		mux := http.NewServeMux()
		a.attachDebugRoutes(mux)
		debug = mux
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if debug != nil && strings.HasPrefix(r.URL.Path, `/debug/`) {
			debug.ServeHTTP(w, r)
			return
		}
		if r.Method != http.MethodGet {
			notFound(w)
			return
		}
		if r.URL.Path == `/ajax/messages` {
			a.handleMessages(w, r)
			return
		}
		if as, ok := assets[r.URL.Path]; ok {
			serveAsset(w, as)
			return
		}
		notFound(w)
	})
}

// handleMessages answers a long-poll. The query string is the last message
// the client received; the response is held until the current patch differs
// from it. Once the adapter stops listening the request is aborted without a
// response.
func (a *Adapter) handleMessages(w http.ResponseWriter, r *http.Request) {
	echo, err := url.QueryUnescape(r.URL.RawQuery)
	if err != nil {
		echo = r.URL.RawQuery
	}
	if !a.attached.Swap(true) {
		a.peer.Store(r.RemoteAddr)
	}

	sleep := a.pollSleep()
	for {
		if !a.listening.Load() {
			panic(http.ErrAbortHandler)
		}
		if r.Context().Err() != nil {
			return
		}
		if msg := a.current.Load(); msg != nil {
			if reply := msg.reply(echo); reply != echo {
				w.Header().Set(`Content-Type`, `text/plain; charset=UTF-8`)
				w.Header().Set(`Cache-Control`, `no-cache`)
				_, _ = w.Write([]byte(reply))
				return
			}
		}
		time.Sleep(sleep)
	}
}

func serveAsset(w http.ResponseWriter, as asset) {
	b, err := staticFS.ReadFile(as.name)
	if err != nil {
		notFound(w)
		return
	}
	w.Header().Set(`Content-Type`, as.contentType)
	_, _ = w.Write(b)
}

func notFound(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNotFound)
}

func (a *Adapter) attachDebugRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle(`webdisp`, `pattern generator state`, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(`Content-Type`, `application/json`)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			`state`:     a.State().String(),
			`listening`: a.listening.Load(),
			`attached`:  a.attached.Load(),
			`current`:   a.Current(),
		})
	}))
	debug.HandleSilent(`webdisp-current`, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(`Content-Type`, `text/plain; charset=UTF-8`)
		_, _ = w.Write([]byte(a.Current()))
	}))
}
