package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"minidb/pkg/config"
	"minidb/pkg/db"
	"minidb/pkg/logger"
	"minidb/pkg/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "minidb: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML config file")
	listen := flag.String("listen", "", "TCP address to serve on, overrides the config")
	repl := flag.Bool("repl", false, "run an interactive shell instead of the TCP server")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer log.Sync()

	tel, shutdown, err := telemetry.New(cfg.Telemetry, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Error("shutdown telemetry", zap.Error(err))
		}
	}()

	// 所有会话共享一个 Engine（同一个缓冲池和头页）
	engine, err := db.NewEngine(cfg, log, tel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *repl {
		err = runREPL(ctx, engine)
	} else {
		err = serve(ctx, engine, cfg.Listen, log)
	}
	return errors.Join(err, engine.Close())
}

func serve(ctx context.Context, engine *db.Engine, addr string, log *zap.Logger) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	log.Info("listening", zap.String("addr", listener.Addr().String()))
	stopAccept := context.AfterFunc(ctx, func() { listener.Close() })
	defer stopAccept()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				log.Info("server stopping")
				return nil
			}
			log.Warn("connection accept error", zap.Error(err))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			handleClient(ctx, engine, conn)
		}()
	}
}

func handleClient(ctx context.Context, engine *db.Engine, conn net.Conn) {
	defer conn.Close()
	// 服务器退出时断开连接，让阻塞的读返回
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	session := engine.NewSession()
	log := session.Logger.With(zap.String("client", conn.RemoteAddr().String()))
	log.Info("new connection")
	parser := db.NewSQLParser(session, conn)

	fmt.Fprint(conn, "Welcome to MiniDB Server!\nminidb> ")
	reader := bufio.NewReader(conn)
	for {
		input, err := reader.ReadString('\n')
		if err != nil {
			log.Info("client disconnected")
			return
		}

		sql := strings.TrimSpace(input)
		if isQuit(sql) {
			return
		}
		if sql != "" {
			log.Debug("exec", zap.String("sql", sql))
			execute(ctx, parser, sql, conn)
		}
		fmt.Fprint(conn, "minidb> ")
	}
}

func runREPL(ctx context.Context, engine *db.Engine) error {
	home, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "minidb> ",
		HistoryFile:     filepath.Join(home, ".minidb_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to start shell: %w", err)
	}
	defer rl.Close()

	out := rl.Stdout()
	parser := db.NewSQLParser(engine.NewSession(), out)
	fmt.Fprintln(out, "Welcome to MiniDB! Type 'help' for commands.")
	for {
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if line == "" {
				return nil
			}
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}

		sql := strings.TrimSpace(line)
		if isQuit(sql) {
			return nil
		}
		if sql != "" {
			execute(ctx, parser, sql, out)
		}
	}
}

func isQuit(sql string) bool {
	sql = strings.ToLower(strings.TrimSuffix(sql, ";"))
	return sql == "quit" || sql == "exit"
}

// execute 执行一条命令，成功时输出耗时，格式: (0.0023 sec)
func execute(ctx context.Context, parser *db.SQLParser, sql string, out io.Writer) {
	start := time.Now()
	err := parser.ParseAndExecute(ctx, sql)
	duration := time.Since(start)

	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(out, "(%.4f sec)\n", duration.Seconds())
}
