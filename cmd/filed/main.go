// Command filed serves a document root over HTTP/1.1 GET/HEAD using a
// per-thread epoll event loop, zero-copy sendfile for large files, and a
// refcounted content cache. Configuration is flags with environment
// overrides, restarts are zero-downtime via tableflip, and an optional
// debug surface exposes Prometheus metrics and a live reap-event feed --
// all in the teacher's flat func-main, colored-banner-logging style (see
// graceful_restarts/tbflip/main.go and
// graceful_restarts/systemd-socket-activation/main.go).
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cloudflare/tableflip"
	"github.com/coreos/go-systemd/v22/activation"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ankit-kulkarni/filed/internal/admin"
	"github.com/ankit-kulkarni/filed/internal/filecache"
	"github.com/ankit-kulkarni/filed/internal/fileserve"
	"github.com/ankit-kulkarni/filed/internal/logging"
	"github.com/ankit-kulkarni/filed/internal/metrics"
	"github.com/ankit-kulkarni/filed/internal/pathresolve"
	"github.com/ankit-kulkarni/filed/internal/server"

	promclient "github.com/prometheus/client_golang/prometheus"
)

func getenvStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func main() {
	listenAddr := flag.String("listen", getenvStr("FILED_LISTEN", ":8080"), "address to listen on (ignored with -socket-activation)")
	root := flag.String("root", getenvStr("FILED_ROOT", "."), "document root directory")
	index := flag.String("index", getenvStr("FILED_INDEX", "index.html"), "index filename served for directory requests")
	threads := flag.Int("threads", getenvInt("FILED_THREADS", 0), "event loop thread count (0 = NumCPU)")
	adminAddr := flag.String("admin-listen", getenvStr("FILED_ADMIN_LISTEN", ""), "address for /debug/metrics and /debug/live (empty disables it)")
	socketActivation := flag.Bool("socket-activation", os.Getenv("FILED_SOCKET_ACTIVATION") == "1", "take the listener from systemd socket activation instead of binding listenAddr")
	flag.Parse()

	pid := os.Getpid()
	log := logging.New(pid)

	logging.Phase(log, "starting process", logrus.Fields{"root": *root, "listen": *listenAddr})

	rootHandle, err := openRoot(*root, *index)
	if err != nil {
		log.WithError(err).Fatal("failed to open document root")
	}
	defer unix.Close(rootHandle.FD)

	reg := metrics.New(promclient.DefaultRegisterer)
	cache := filecache.New(filecache.NewFactory(rootHandle), metrics.NewCacheMetrics(reg))
	handler := fileserve.New(cache, rootHandle)

	upg, err := tableflip.New(tableflip.Options{})
	if err != nil {
		log.WithError(err).Fatal("tableflip.New failed")
	}
	defer upg.Stop()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGHUP)
		for range sig {
			logging.Phase(log, "SIGHUP received, upgrading", nil)
			if err := upg.Upgrade(); err != nil {
				log.WithError(err).Error("upgrade failed")
			}
		}
	}()

	ln, err := acquireListener(upg, *socketActivation, *listenAddr)
	if err != nil {
		log.WithError(err).Fatal("failed to acquire listener")
	}

	srv, err := server.New(ln, handler, reg, *threads)
	if err != nil {
		log.WithError(err).Fatal("failed to start event loop threads")
	}

	broadcaster := admin.NewBroadcaster()
	for _, l := range srv.Loops() {
		l.SetReapObserver(broadcaster.ObserveFD)
	}

	var adminSrv *http.Server
	if *adminAddr != "" {
		adminSrv = &http.Server{Addr: *adminAddr, Handler: admin.NewRouter(broadcaster)}
		go func() {
			logging.Phase(log, "admin surface listening", logrus.Fields{"addr": *adminAddr})
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("admin server error")
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	logging.Phase(log, "serving", logrus.Fields{"addr": ln.Addr().String(), "threads": *threads})

	if err := upg.Ready(); err != nil {
		log.WithError(err).Fatal("upg.Ready failed")
	}

	select {
	case <-upg.Exit():
		logging.Phase(log, "exit signal received, shutting down", nil)
	case err := <-serveErr:
		if err != nil {
			log.WithError(err).Error("event loop server exited")
		}
	}

	_ = srv.Close()
	if adminSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = adminSrv.Shutdown(ctx)
		cancel()
	}
	logging.Phase(log, "shutdown complete", nil)
}

// openRoot resolves dir to an absolute, symlink-free path and opens it for
// openat-relative resolution, matching internal/pathresolve's TOCTOU-safe
// contract.
func openRoot(dir, index string) (*pathresolve.Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Open(abs, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return nil, err
	}
	return &pathresolve.Root{FD: fd, AbsPath: abs, IndexName: index}, nil
}

// acquireListener takes the listener from systemd socket activation when
// requested (graceful_restarts/systemd-socket-activation/main.go's
// activation.Listeners path), else from tableflip so SIGHUP-triggered
// restarts hand the socket to a new process without dropping connections
// (graceful_restarts/tbflip/main.go's upg.Listen path).
func acquireListener(upg *tableflip.Upgrader, socketActivation bool, addr string) (net.Listener, error) {
	if socketActivation {
		listeners, err := activation.Listeners()
		if err != nil {
			return nil, err
		}
		if len(listeners) == 0 || listeners[0] == nil {
			return nil, errors.New("filed: no systemd-activated listeners found")
		}
		return listeners[0], nil
	}
	return upg.Listen("tcp", addr)
}
