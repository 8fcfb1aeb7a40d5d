package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/tera-db/tera/common/coordination"
	"github.com/tera-db/tera/metrics"
	"github.com/tera-db/tera/rpcutil"
	"github.com/tera-db/tera/tabletserver"
)

// Config is the tablet server process's on-disk configuration.
type Config struct {
	ListenAddr    string        `json:"listen_addr"`
	ClusterName   string        `json:"cluster_name"`
	GrpcBindPort  uint32        `json:"grpc_bind_port"`
	DataDir       string        `json:"data_dir"`
	MasterAddr    string        `json:"master_addr"`
	EtcdEndpoints []string      `json:"etcd_endpoints"`
	ZkAddrs       []string      `json:"zk_addrs"`
	SessionTTL    time.Duration `json:"session_ttl"`
	LogLevel      log.Level     `json:"log_level"`
}

func main() {
	config.Init("f", "", "tabletserver.json")

	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		log.Fatal(errors.Detail(err))
	}
	log.SetOutputLevel(cfg.LogLevel)

	if cfg.ListenAddr == "" {
		log.Fatalf("listen_addr must be set")
	}
	if cfg.DataDir == "" {
		log.Fatalf("data_dir must be set")
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 10 * time.Second
	}

	ctx := context.Background()
	coord := dialCoordination(ctx, cfg)
	defer coord.Close()

	masterConn, err := rpcutil.Dial(cfg.MasterAddr)
	if err != nil {
		log.Fatalf("dial master failed: %s", err)
	}
	masterProxy := rpcutil.NewMasterProxy(masterConn)

	registry := tabletserver.NewTabletRegistry(cfg.DataDir)
	srv := tabletserver.NewServer(cfg.ListenAddr, registry, coord, masterProxy)

	rpcRegistry := rpcutil.NewRegistry()
	rpcutil.BindTabletServer(rpcRegistry, srv)

	grpcSrv, lis, err := rpcutil.Listen(":"+strconv.Itoa(int(cfg.GrpcBindPort)), rpcRegistry)
	if err != nil {
		log.Fatalf("listen failed: %s", err)
	}
	go func() {
		if serveErr := grpcSrv.Serve(lis); serveErr != nil {
			log.Errorf("grpc serve stopped: %s", serveErr)
		}
	}()

	go func() {
		if err := metrics.Serve(":" + strconv.Itoa(int(cfg.GrpcBindPort)+1)); err != nil {
			log.Errorf("metrics server stopped: %s", err)
		}
	}()

	if err := srv.Register(ctx, cfg.ClusterName); err != nil {
		log.Fatalf("register with coordination failed: %s", err)
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch

	srv.Exit()
	grpcSrv.Stop()
}

func dialCoordination(ctx context.Context, cfg *Config) coordination.Adapter {
	if len(cfg.EtcdEndpoints) > 0 {
		c, err := coordination.DialEtcd(ctx, cfg.EtcdEndpoints, cfg.SessionTTL)
		if err != nil {
			log.Fatalf("dial etcd failed: %s", err)
		}
		return c
	}
	c, err := coordination.DialZK(ctx, cfg.ZkAddrs, cfg.SessionTTL)
	if err != nil {
		log.Fatalf("dial zk failed: %s", err)
	}
	return c
}
