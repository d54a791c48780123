package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/overwire/replica"
)

const ReplicaCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Replica control.

Usage:
    replicactl serve [--listen=<listen>] [--tags=<tags>] [--interval=<interval>]
    replicactl watch --url=<url> [--jwt=<jwt>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --listen=<listen>      Listen address [default: 127.0.0.1:8090].
    --url=<url>            Server websocket url, e.g. ws://127.0.0.1:8090
    --jwt=<jwt>            Client identity JWT. A dev JWT is minted when omitted.
    --tags=<tags>          Comma-separated replica tags [default: demo].
    --interval=<interval>  Demo update interval [default: 1s].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ReplicaCtlVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func serve(opts docopt.Opts) {
	listen, _ := opts.String("--listen")
	tagsStr, _ := opts.String("--tags")
	tags := strings.Split(tagsStr, ",")
	intervalStr, _ := opts.String("--interval")
	interval, err := time.ParseDuration(intervalStr)
	if err != nil {
		Err.Fatalf("bad --interval: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wsServer := replica.NewWsServerWithDefaults(ctx)
	defer wsServer.Close()
	registry := replica.NewRegistry(wsServer)
	defer registry.Close()

	// every connecting client gets the current snapshot of the demo tags
	wsServer.AddConnectCallback(func(destination replica.Id) {
		Out.Printf("connect %s", destination)
		registry.Subscriptions().SubscribeToTags(destination, tags...)
	})
	wsServer.AddDisconnectCallback(func(destination replica.Id) {
		Out.Printf("disconnect %s", destination)
	})

	root, rootToken := registry.CreateReplica(tags, map[string]any{
		"status": map[string]any{
			"tick": 0,
		},
		"items": []any{},
	})
	child, childToken := registry.CreateReplica(tags, map[string]any{
		"name": "demo child",
	})
	if err := child.SetParent(childToken, root); err != nil {
		Err.Fatalf("set parent: %s", err)
	}

	go func() {
		tick := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
			tick += 1
			if _, err := root.SetValue(rootToken, replica.ParsePath("status.tick"), tick); err != nil {
				Err.Printf("set value: %s", err)
				return
			}
			if _, err := root.ArrayInsert(rootToken, replica.ParsePath("items"), tick, -1); err != nil {
				Err.Printf("array insert: %s", err)
				return
			}
			if items, ok := root.Get(replica.ParsePath("items")); ok {
				if s, ok := items.([]any); ok && 8 < len(s) {
					if _, err := root.ArrayRemove(rootToken, replica.ParsePath("items"), 0); err != nil {
						Err.Printf("array remove: %s", err)
						return
					}
				}
			}
		}
	}()

	Out.Printf("serving on %s (tags %s)", listen, strings.Join(tags, ","))
	if err := http.ListenAndServe(listen, wsServer); err != nil {
		Err.Fatalf("listen: %s", err)
	}
}

func watch(opts docopt.Opts) {
	url, _ := opts.String("--url")
	jwt, _ := opts.String("--jwt")
	if jwt == "" {
		jwt = replica.RequireDevClientJwt(replica.NewId())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := replica.NewWsClientWithDefaults(ctx, url, &replica.ClientAuth{
		ByJwt:      jwt,
		AppVersion: ReplicaCtlVersion,
	})
	defer client.Close()
	mirror := replica.NewMirrorWithDefaults(ctx, client)
	defer mirror.Close()

	mirror.OnCreated(func(r *replica.Replica) {
		Out.Printf("created %s tags=%s parent=%s", r.Id(), strings.Join(r.Tags(), ","), r.ParentId())
		r.OnUpdate(func(path replica.Path, value any) {
			Out.Printf("update %s %s = %v", r.Id(), path, value)
		})
		r.OnArrayChange(func(op replica.ArrayOp, path replica.Path, index int, value any) {
			Out.Printf("array %s %s %s[%d] = %v", op, r.Id(), path, index, value)
		})
		r.OnParentChange(func(parent *replica.Replica) {
			if parent != nil {
				Out.Printf("parent %s -> %s", r.Id(), parent.Id())
			} else {
				Out.Printf("parent %s -> none", r.Id())
			}
		})
	})
	mirror.OnDestroyed(func(replicaId string, tags []string) {
		Out.Printf("destroyed %s tags=%s", replicaId, strings.Join(tags, ","))
	})

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	<-c
}
