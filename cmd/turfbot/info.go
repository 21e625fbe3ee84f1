package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/turfbot/internal/bot"
	"github.com/basket/turfbot/internal/config"
)

func runInfoCommand(ctx context.Context, args []string) int {
	return infoCommand(ctx, args, os.Stdout, os.Stderr)
}

// infoCommand plays the host side of one get_bot_info exchange and prints
// the validated Info.
func infoCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "daemon address host:port (default: bind_addr from config)")
	path := fs.String("path", "/", "websocket path")
	timeout := fs.Duration("timeout", 5*time.Second, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: turfbot info [-addr host:port] [-path /] [-timeout 5s]")
		return 2
	}

	target := strings.TrimSpace(*addr)
	if target == "" {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(stderr, "config load: %v\n", err)
			return 1
		}
		target = cfg.BindAddr
	}
	p := *path
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	url := "ws://" + dialAddr(target) + p

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	info, err := fetchBotInfo(ctx, url)
	if err != nil {
		fmt.Fprintf(stderr, "info: %v\n", err)
		return 1
	}
	out, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "info: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(out))
	return 0
}

type infoReply struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func fetchBotInfo(ctx context.Context, url string) (bot.Info, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return bot.Info{}, fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, conn, map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  bot.MethodGetBotInfo,
	}); err != nil {
		return bot.Info{}, fmt.Errorf("write %s: %w", bot.MethodGetBotInfo, err)
	}
	var reply infoReply
	if err := wsjson.Read(ctx, conn, &reply); err != nil {
		return bot.Info{}, fmt.Errorf("read %s: %w", bot.MethodGetBotInfo, err)
	}
	if reply.Error != nil {
		return bot.Info{}, fmt.Errorf("%s failed (%d): %s", bot.MethodGetBotInfo, reply.Error.Code, reply.Error.Message)
	}
	if len(reply.Result) == 0 {
		return bot.Info{}, errors.New("reply has no result")
	}
	return bot.ParseInfo(reply.Result)
}
