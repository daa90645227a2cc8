// Command tickstore_cli is an interactive shell for exploring tickstore's
// transaction semantics. The shell owns the scheduler: nothing asynchronous
// happens until "step" or "run" pumps it, which makes activation windows,
// auto-commit, and scope queuing directly observable.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/tickstore/tickstore/core/db"
	"github.com/tickstore/tickstore/core/transaction"
	"github.com/tickstore/tickstore/pkg/logger"
	"github.com/tickstore/tickstore/pkg/telemetry"
)

const helpText = `Commands:
  begin <name> <ro|rw> <store[,store...]>   create a transaction
  put <name> <store> <key> <value>          issue a write
  get <name> <store> <key>                  issue a read
  commit <name>                             request an explicit commit
  abort <name>                              abort, failing pending operations
  state <name>                              show a transaction's state
  txns                                      list known transactions
  stores                                    list declared stores
  step                                      advance the scheduler one tick
  run                                       pump the scheduler until idle
  help                                      this text
  exit                                      quit`

func main() {
	logLevel := flag.String("log-level", "warn", "minimum log level")
	storeList := flag.String("stores", "default", "comma-separated store names")
	metricsPort := flag.Int("metrics-port", 0, "expose a Prometheus /metrics endpoint when > 0")
	flag.Parse()

	log, err := logger.New(logger.Config{Level: *logLevel, Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	var metrics *telemetry.Metrics
	if *metricsPort > 0 {
		tel, shutdown, err := telemetry.New(telemetry.Config{
			Enabled:        true,
			ServiceName:    "tickstore_cli",
			PrometheusPort: *metricsPort,
		})
		if err != nil {
			log.Fatal("telemetry setup failed", zap.Error(err))
		}
		defer shutdown(context.Background())
		if metrics, err = telemetry.NewMetrics(tel.Meter); err != nil {
			log.Fatal("metrics setup failed", zap.Error(err))
		}
	}

	stores := splitList(*storeList)
	d, err := db.Open(db.Config{Stores: stores}, log, metrics)
	if err != nil {
		log.Fatal("open failed", zap.Error(err))
	}
	defer d.Close()

	rl, err := readline.New("tickstore> ")
	if err != nil {
		log.Fatal("readline setup failed", zap.Error(err))
	}
	defer rl.Close()

	fmt.Printf("tickstore shell, stores: %s (type 'help')\n", strings.Join(stores, ", "))
	shell := &shell{db: d, txns: make(map[string]*transaction.Transaction)}

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		if strings.TrimSpace(line) == "exit" {
			return
		}
		shell.dispatch(strings.Fields(line))
	}
}

type shell struct {
	db   *db.DB
	txns map[string]*transaction.Transaction
}

func (s *shell) dispatch(args []string) {
	if len(args) == 0 {
		return
	}
	switch args[0] {
	case "help":
		fmt.Println(helpText)
	case "begin":
		s.begin(args[1:])
	case "put":
		s.put(args[1:])
	case "get":
		s.get(args[1:])
	case "commit":
		s.lifecycle(args[1:], "commit")
	case "abort":
		s.lifecycle(args[1:], "abort")
	case "state":
		s.state(args[1:])
	case "txns":
		for name, txn := range s.txns {
			fmt.Printf("%s: %s (scope %s, %s)\n", name, txn.State(), strings.Join(txn.Scope(), ","), txn.Mode())
		}
	case "stores":
		fmt.Println(strings.Join(s.db.Stores(), ", "))
	case "step":
		ran := s.db.Step()
		fmt.Printf("tick %d (deferred entry ran: %v)\n", s.db.Scheduler().CurrentTick(), ran)
	case "run":
		s.db.Run()
		fmt.Printf("idle at tick %d\n", s.db.Scheduler().CurrentTick())
	default:
		fmt.Printf("unknown command %q (type 'help')\n", args[0])
	}
}

func (s *shell) begin(args []string) {
	if len(args) != 3 {
		fmt.Println("usage: begin <name> <ro|rw> <store[,store...]>")
		return
	}
	name := args[0]
	mode := transaction.ModeReadOnly
	if args[1] == "rw" {
		mode = transaction.ModeReadWrite
	}
	txn, err := s.db.Begin(splitList(args[2]), mode)
	if err != nil {
		fmt.Printf("begin failed: %v\n", err)
		return
	}
	txn.OnActivate(func(*transaction.Transaction) {
		fmt.Printf("[%s] activated\n", name)
	})
	txn.OnFinished(func(outcome transaction.Outcome) {
		fmt.Printf("[%s] finished: %s\n", name, outcome)
	})
	s.txns[name] = txn
	fmt.Printf("[%s] %s\n", name, txn.State())
}

func (s *shell) put(args []string) {
	if len(args) != 4 {
		fmt.Println("usage: put <name> <store> <key> <value>")
		return
	}
	txn, ok := s.txns[args[0]]
	if !ok {
		fmt.Printf("no transaction %q\n", args[0])
		return
	}
	name := args[0]
	op, err := txn.IssueOperation(args[1], transaction.OpWrite, args[2], []byte(args[3]))
	if err != nil {
		fmt.Printf("[%s] put rejected: %v\n", name, err)
		return
	}
	key := args[2]
	op.OnComplete(func(res transaction.Result) {
		if res.Err != nil {
			fmt.Printf("[%s] put %s failed: %v\n", name, key, res.Err)
			return
		}
		fmt.Printf("[%s] put %s ok\n", name, key)
	})
}

func (s *shell) get(args []string) {
	if len(args) != 3 {
		fmt.Println("usage: get <name> <store> <key>")
		return
	}
	txn, ok := s.txns[args[0]]
	if !ok {
		fmt.Printf("no transaction %q\n", args[0])
		return
	}
	name := args[0]
	op, err := txn.IssueOperation(args[1], transaction.OpRead, args[2], nil)
	if err != nil {
		fmt.Printf("[%s] get rejected: %v\n", name, err)
		return
	}
	key := args[2]
	op.OnComplete(func(res transaction.Result) {
		switch {
		case res.Err != nil:
			fmt.Printf("[%s] get %s failed: %v\n", name, key, res.Err)
		case !res.Found:
			fmt.Printf("[%s] get %s: absent\n", name, key)
		default:
			fmt.Printf("[%s] get %s = %s\n", name, key, res.Value)
		}
	})
}

func (s *shell) lifecycle(args []string, verb string) {
	if len(args) != 1 {
		fmt.Printf("usage: %s <name>\n", verb)
		return
	}
	txn, ok := s.txns[args[0]]
	if !ok {
		fmt.Printf("no transaction %q\n", args[0])
		return
	}
	var err error
	if verb == "commit" {
		err = txn.Commit()
	} else {
		err = txn.Abort()
	}
	if err != nil {
		fmt.Printf("[%s] %s failed: %v\n", args[0], verb, err)
	}
}

func (s *shell) state(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: state <name>")
		return
	}
	txn, ok := s.txns[args[0]]
	if !ok {
		fmt.Printf("no transaction %q\n", args[0])
		return
	}
	fmt.Printf("[%s] %s, pending ops: %d\n", args[0], txn.State(), txn.PendingOperations())
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
