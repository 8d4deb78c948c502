package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/roseybot/roseycore/internal/bus"
)

func runTail(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	token, _ := cmd.Flags().GetString("token")
	subject, _ := cmd.Flags().GetString("subject")

	if !bus.Validate(subject) {
		return fmt.Errorf("invalid subject pattern %q", subject)
	}
	addr = strings.TrimPrefix(strings.TrimPrefix(addr, "http://"), "ws://")

	u := url.URL{
		Scheme:   "ws",
		Host:     addr,
		Path:     "/v1/events/ws",
		RawQuery: "subject=" + url.QueryEscape(subject),
	}
	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", u.String(), err)
	}
	defer conn.Close()
	fmt.Fprintf(os.Stderr, "tapping %s (ctrl-c to stop)\n", subject)

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		for {
			var env bus.Envelope
			if rerr := conn.ReadJSON(&env); rerr != nil {
				readErr <- rerr
				return
			}
			data, _ := json.Marshal(env.Data)
			lines <- fmt.Sprintf("%s  %-44s %-24s %s", env.Time().Format("15:04:05.000"), env.Subject, env.EventType, data)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case line := <-lines:
			fmt.Println(line)
		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				fmt.Fprintln(os.Stderr, "server closed the tap")
				return nil
			}
			return fmt.Errorf("tap read: %w", err)
		case <-quit:
			deadline := time.Now().Add(2 * time.Second)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return nil
		}
	}
}
