// Package config defines the worker and client configuration surfaces
// described in spec.md §6, wired onto the stdlib flag package the same
// way the teacher wires cmn/nlog.InitFlags onto a caller-owned
// FlagSet.
package config

import (
	"flag"
	"fmt"
	"strings"
)

// Compute is the worker's advertised capacity budget (spec.md §3
// TotalOperatorCompute, the "allowed" side of the ledger).
type Compute struct {
	Instances       int
	MemoryMiB       int
	CPUThousandths  int
}

type ObjstoreBackend string

const (
	BackendLocal ObjstoreBackend = "local"
	BackendS3    ObjstoreBackend = "s3"
	BackendGCS   ObjstoreBackend = "gcs"
	BackendAzure ObjstoreBackend = "azure"
	BackendHDFS  ObjstoreBackend = "hdfs"
)

// Worker holds every flag from spec.md §6 "CLI (worker)" plus the
// SPEC_FULL.md §6 ambient additions (k8s discovery, objstore backend
// selection, stats endpoint, cluster secret).
type Worker struct {
	Port     uint16
	Listen   string
	Peers    []string
	Compute  Compute
	LogLevel string

	K8s             bool
	ObjstoreBackend ObjstoreBackend
	ObjstoreBucket  string
	StatsAddr       string
	ClusterSecret   string
}

func ParseWorker(args []string) (*Worker, error) {
	w := &Worker{}
	var peers, backend string

	fs := flag.NewFlagSet("distqe-worker", flag.ContinueOnError)
	port := fs.Uint("port", 7000, "TCP port to listen on")
	fs.StringVar(&w.Listen, "listen", "0.0.0.0", "address to bind the inbound listener to")
	fs.StringVar(&peers, "peers", "", "comma-separated list of peer worker addresses")
	fs.IntVar(&w.Compute.MemoryMiB, "allowed-compute-memory-mib", 0, "advertised memory budget in MiB")
	fs.IntVar(&w.Compute.CPUThousandths, "allowed-compute-cpu-thousandths", 0, "advertised CPU budget in thousandths of a core")
	fs.IntVar(&w.Compute.Instances, "allowed-compute-instances", 0, "advertised max concurrent operator instances")
	fs.StringVar(&w.LogLevel, "log-level", "info", "log level: debug, info, warn, error")
	fs.BoolVar(&w.K8s, "k8s", false, "enable in-cluster peer discovery and compute auto-detection")
	fs.StringVar(&backend, "objstore-backend", string(BackendLocal), "object store backend: local, s3, gcs, azure, hdfs")
	fs.StringVar(&w.ObjstoreBucket, "objstore-bucket", "", "bucket/container name (non-local backends) or root directory (local backend)")
	fs.StringVar(&w.StatsAddr, "stats-addr", ":9100", "address for the /healthz and /metrics endpoints")
	fs.StringVar(&w.ClusterSecret, "cluster-secret", "", "HMAC key signing the Identify handshake; empty disables signing")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	w.Port = uint16(*port)
	if peers != "" {
		w.Peers = strings.Split(peers, ",")
	}
	w.ObjstoreBackend = ObjstoreBackend(backend)
	switch w.ObjstoreBackend {
	case BackendLocal, BackendS3, BackendGCS, BackendAzure, BackendHDFS:
	default:
		return nil, fmt.Errorf("unknown objstore backend %q", backend)
	}
	return w, nil
}

// Client holds spec.md §6 "CLI (client)" flags.
type Client struct {
	ConnectToAddress string
	Port             uint16
	SQLFile          string
}

func ParseClient(args []string) (*Client, error) {
	fs := flag.NewFlagSet("distqe-client", flag.ContinueOnError)
	c := &Client{}
	port := fs.Uint("port", 7000, "worker port to connect to")
	fs.StringVar(&c.ConnectToAddress, "connect-to-address", "127.0.0.1", "worker host to connect to")
	fs.StringVar(&c.SQLFile, "sql-file", "", "path to a file containing the SQL statement to run")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	c.Port = uint16(*port)
	return c, nil
}
