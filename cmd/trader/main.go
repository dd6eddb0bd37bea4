package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"

	"main/internal/archive"
	"main/internal/bus"
	"main/internal/exchangeable"
	"main/internal/md"
	"main/internal/md/file"
	"main/internal/md/web"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/ta"
	"main/internal/tradlet/cta"
	"main/internal/tradlet/paper"
)

const busCapacity = 16384

func main() {
	configPath := flag.String("config", "etc/trader.yaml", "configuration file")
	adminAddr := flag.String("admin", "", "admin http listen address (empty disables)")
	flag.Parse()

	cfg, err := ops.Load(*configPath)
	if err != nil {
		logs.Errorf("load config %s failed: %+v", *configPath, err)
		os.Exit(1)
	}

	if cfg.Profiling() {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "trader",
			ServerAddress:   "http://localhost:4040",
			Logger:          emptyLogger{},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			logs.Errorf("start profiler failed: %+v", err)
		} else {
			defer profiler.Stop()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := &obs.Metrics{}
	eventBus := bus.New(busCapacity)
	factories := md.NewFactoryRegistry()
	factories.Register(md.ProviderWeb, web.Factory{})
	factories.Register(md.ProviderFile, file.Factory{})

	service := md.NewService(md.Deps{
		Config:    cfg,
		Bus:       eventBus,
		Metrics:   metrics,
		Factories: factories,
	})
	if err := service.Init(ctx); err != nil {
		logs.Errorf("init market data service failed: %+v", err)
		os.Exit(1)
	}
	go eventBus.Run(ctx)

	taAccess := ta.NewAccess()
	service.AddListener(taAccess)
	keeper := paper.New()
	service.AddListener(keeper)

	var arch *archive.Archiver
	if dsn := cfg.ArchiveDSN(); dsn != "" {
		arch, err = archive.New(dsn, metrics)
		if err != nil {
			logs.Errorf("init tick archive failed: %+v", err)
			os.Exit(1)
		}
		arch.Start(ctx)
		service.AddListener(arch)
	}

	tradlet := startTradlet(cfg, keeper, taAccess, service)
	cfg.Watch(func() {
		service.ReloadSubscriptionsAndSubscribe()
	})

	if *adminAddr != "" {
		go serveAdmin(*adminAddr, service, tradlet, metrics)
	}

	service.NotifyReady()
	logs.Infof("trader ready, data dir %s, group %s", cfg.DataDir(), cfg.GroupID())

	<-ctx.Done()
	logs.Info("shutting down")
	if tradlet != nil {
		tradlet.Close()
	}
	service.Close()
	if arch != nil {
		arch.Close()
	}
	snapshot := metrics.Snapshot()
	if data, err := json.Marshal(snapshot); err == nil {
		logs.Infof("pipeline counters: %s", data)
	}
}

// startTradlet wires the CTA strategy when a hint file exists for the
// configured group.
func startTradlet(cfg *ops.Config, keeper *paper.Keeper, taAccess *ta.Access, service *md.Service) *cta.Tradlet {
	hintFile := filepath.Join(cfg.DataDir(), cfg.GroupID()+"-cta-hints.xml")
	if _, err := os.Stat(hintFile); err != nil {
		logs.Infof("no hint file at %s, cta tradlet disabled", hintFile)
		return nil
	}
	tradlet, err := cta.New(cta.Config{
		GroupID:   cfg.GroupID(),
		AccountID: cfg.AccountID(),
		HintFile:  hintFile,
		Keeper:    keeper,
		TAAccess:  taAccess,
		RealTime:  true,
	})
	if err != nil {
		logs.Errorf("init cta tradlet failed: %+v", err)
		os.Exit(1)
	}
	instruments := tradlet.SubscribedInstruments()
	if len(instruments) > 0 {
		service.AddSubscriptions(instruments)
		service.AddListener(tradlet, instruments...)
	}
	return tradlet
}

func serveAdmin(addr string, service *md.Service, tradlet *cta.Tradlet, metrics *obs.Metrics) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, metrics.Snapshot())
	})
	mux.HandleFunc("/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		subs := service.GetSubscriptions()
		ids := make([]string, len(subs))
		for i, instr := range subs {
			ids[i] = instr.UniqueID()
		}
		writeJSON(w, ids)
	})
	mux.HandleFunc("/lastData", func(w http.ResponseWriter, r *http.Request) {
		instr, err := exchangeable.FromString(r.URL.Query().Get("instrument"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		tick := service.GetLastData(instr)
		if tick == nil {
			http.Error(w, "no data", http.StatusNotFound)
			return
		}
		writeJSON(w, string(tick.AppendCSV(nil)))
	})
	mux.HandleFunc("/cta/", func(w http.ResponseWriter, r *http.Request) {
		if tradlet == nil {
			http.Error(w, "cta tradlet disabled", http.StatusNotFound)
			return
		}
		data, err := tradlet.OnRequest(strings.TrimPrefix(r.URL.Path, "/"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logs.Infof("admin http on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logs.Errorf("admin http: %+v", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logs.Errorf("write admin response: %+v", err)
	}
}

type emptyLogger struct{}

func (emptyLogger) Infof(string, ...any)  {}
func (emptyLogger) Debugf(string, ...any) {}
func (emptyLogger) Errorf(string, ...any) {}
