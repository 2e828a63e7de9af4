// Command tictactoe-client plays one game from the terminal, over the relay or
// directly through NATS.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"

	"github.com/rocketscienceinc/tictactoe-sync/internal/config"
	"github.com/rocketscienceinc/tictactoe-sync/internal/entity"
	"github.com/rocketscienceinc/tictactoe-sync/internal/pkg"
	"github.com/rocketscienceinc/tictactoe-sync/internal/supervisor"
	"github.com/rocketscienceinc/tictactoe-sync/internal/transport"
	"github.com/rocketscienceinc/tictactoe-sync/internal/transport/natslink"
	"github.com/rocketscienceinc/tictactoe-sync/internal/transport/wslink"
)

var (
	configFlag = flag.String("config", "", "client config file, the environment alone when empty")
	pinFlag    = flag.String("pin", "", "pin code to host or join, a fresh one is generated for a host")
	hostFlag   = flag.Bool("host", false, "host the game and play X")
	playerFlag = flag.String("player", "", "stable player id, random when empty")
)

func main() {
	flag.Parse()

	_ = godotenv.Load()

	conf, err := config.LoadClient(*configFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := initLogger(conf.LogLevel)

	pinCode := pkg.NormalizePinCode(*pinFlag)
	if pinCode == "" {
		if !*hostFlag {
			fmt.Fprintln(os.Stderr, "a guest needs -pin")
			os.Exit(2)
		}

		code, err := pkg.GeneratePinCode()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		pinCode = code
	}

	dialer, err := newDialer(logger, conf, pinCode)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	local := entity.PlayerO
	if *hostFlag {
		local = entity.PlayerX
		fmt.Printf("hosting %s, share the code with your opponent\n", pinCode)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	screen := &terminal{out: os.Stdout, local: local}
	sup := supervisor.New(logger, supervisorConfig(conf.Link), clockwork.NewRealClock(), dialer, local, screen)
	sup.Start(ctx)

	go readCommands(os.Stdin, sup, screen)

	<-sup.Done()

	if err = sup.State().Err; err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func supervisorConfig(link config.ClientLink) supervisor.Config {
	return supervisor.Config{
		BaseDelay:    link.BaseDelay,
		MaxAttempts:  link.MaxAttempts,
		PingInterval: link.PingInterval,
		PongTimeout:  link.PongTimeout,
		IdleTimeout:  link.IdleTimeout,
	}
}

func newDialer(logger *slog.Logger, conf *config.Client, pinCode string) (transport.Dialer, error) {
	switch conf.Transport {
	case "relay":
		cfg := wslink.DefaultConfig()
		cfg.URL = conf.RelayURL
		cfg.HandshakeTimeout = conf.Link.DialTimeout
		cfg.PinCode = pinCode
		cfg.Host = *hostFlag
		cfg.PlayerID = *playerFlag
		return wslink.New(logger, cfg), nil

	case "nats":
		cfg := natslink.DefaultConfig()
		cfg.URL = conf.NATSURL
		cfg.ConnectTimeout = conf.Link.DialTimeout
		cfg.PinCode = pinCode
		cfg.Host = *hostFlag
		cfg.PlayerID = *playerFlag
		return natslink.New(logger, cfg), nil

	default:
		return nil, fmt.Errorf("unknown transport %q", conf.Transport)
	}
}

func readCommands(in io.Reader, sup *supervisor.Supervisor, screen *terminal) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		command, arg, _ := strings.Cut(strings.TrimSpace(scanner.Text()), " ")

		var err error
		switch command {
		case "":
			continue
		case "move", "m":
			var cell int
			cell, err = strconv.Atoi(arg)
			if err == nil {
				err = sup.Move(cell)
			}
		case "chat", "c":
			err = sup.Chat(arg)
		case "reset":
			err = sup.Reset()
		case "hide":
			sup.SetVisible(false)
		case "show":
			sup.SetVisible(true)
		case "board", "b":
			sup.Heartbeat()
			screen.BoardChanged(sup.Board())
		case "quit", "q":
			_ = sup.Close()
			return
		default:
			screen.println("commands: move N, chat TEXT, reset, hide, show, board, quit")
		}

		if err != nil {
			screen.println("error: " + err.Error())
		}
	}

	_ = sup.Close()
}

func initLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelWarn
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
