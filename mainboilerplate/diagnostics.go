package mainboilerplate

import (
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/hostvfs/metrics"
)

// Version and BuildDate of the program, set at link time.
var (
	Version   = "development"
	BuildDate = "unknown"
)

// maxStackTraceSize bounds the bytes of a logged panic stack trace.
const maxStackTraceSize = 32768

// DiagnosticsConfig configures pull-based application metrics and diagnostics.
type DiagnosticsConfig struct {
	Port string `long:"port" env:"PORT" description:"Port for serving /debug/metrics and /debug/ready. Diagnostics aren't served if not set"`
}

// NewDiagnosticsMux returns a ServeMux serving Prometheus metrics of
// |gatherer| at /debug/metrics, and a liveness check at /debug/ready.
func NewDiagnosticsMux(gatherer prometheus.Gatherer) *http.ServeMux {
	var mux = http.NewServeMux()

	mux.HandleFunc("/debug/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/debug/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return mux
}

// InitDiagnosticsAndRecover registers the storage backend's collectors and,
// if a Port is configured, serves diagnostics from it. It returns a closure
// which should be deferred, which logs the stack trace of a panic before
// propagating it.
func InitDiagnosticsAndRecover(cfg DiagnosticsConfig) func() {
	prometheus.MustRegister(metrics.HostVFSCollectors()...)

	if cfg.Port != "" {
		var addr = cfg.Port
		if !strings.Contains(addr, ":") {
			addr = ":" + addr
		}
		var ln, err = net.Listen("tcp", addr)
		Must(err, "failed to bind diagnostics port", "port", cfg.Port)

		log.WithField("addr", ln.Addr()).Info("serving diagnostics")
		go func() {
			var err = http.Serve(ln, NewDiagnosticsMux(prometheus.DefaultGatherer))
			log.WithField("err", err).Warn("diagnostics server exited")
		}()
	}

	return func() {
		if r := recover(); r != nil {
			var stack = make([]byte, maxStackTraceSize)
			stack = stack[:runtime.Stack(stack, false)]

			log.WithFields(log.Fields{
				"err":   fmt.Sprint(r),
				"stack": strings.Split(string(stack), "\n"),
			}).Error("panic")
			panic(r)
		}
	}
}

// Must panics if |err| is non-nil, supplying |msg| and |extra| as
// formatter and fields of the generated panic.
func Must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	var f = log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		f[extra[i].(string)] = extra[i+1]
	}
	log.WithFields(f).Panic(msg)
}
