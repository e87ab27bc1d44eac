package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openhearth/hearth/pkg/protocol"
)

var (
	gatewayAddr string
	sessionKey  string
	oneShot     string
)

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent through a running gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runChat()
		},
	}
	cmd.Flags().StringVar(&gatewayAddr, "gateway", "127.0.0.1:18900", "gateway address")
	cmd.Flags().StringVar(&sessionKey, "session", "", "session key (default: a fresh one per invocation)")
	cmd.Flags().StringVarP(&oneShot, "message", "m", "", "send one message and exit")
	return cmd
}

// rpcClient is a thin client over the gateway protocol: one in-flight
// request, streamed agent.text printed as it arrives.
type rpcClient struct {
	conn *websocket.Conn
	ctx  context.Context
}

func dialGateway(ctx context.Context, scopes []string) (*rpcClient, error) {
	url := fmt.Sprintf("ws://%s/ws", gatewayAddr)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(1 << 20)
	c := &rpcClient{conn: conn, ctx: ctx}

	res, err := c.call(protocol.MethodConnect, protocol.ConnectParams{
		ClientInfo:  "hearth-cli/" + Version,
		MaxProtocol: protocol.ProtocolVersion,
		Scopes:      scopes,
		Token:       os.Getenv("HEARTH_GATEWAY_TOKEN"),
	}, nil)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, err
	}
	if !res.OK {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("connect rejected: %s", res.Error.Message)
	}
	return c, nil
}

func (c *rpcClient) close() {
	c.conn.Close(websocket.StatusNormalClosure, "")
}

// call sends one request and reads frames until its response arrives.
// Streaming text events for the active turn print to stdout on the way.
func (c *rpcClient) call(method string, params interface{}, onEvent func(protocol.EventFrame)) (*protocol.ResponseFrame, error) {
	id := uuid.NewString()
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	if err := wsjson.Write(c.ctx, c.conn, protocol.NewRequest(id, method, raw)); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	for {
		var frame json.RawMessage
		if err := wsjson.Read(c.ctx, c.conn, &frame); err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		var head struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		}
		if err := json.Unmarshal(frame, &head); err != nil {
			continue
		}
		switch head.Type {
		case protocol.FrameEvent:
			if onEvent != nil {
				var ev protocol.EventFrame
				if json.Unmarshal(frame, &ev) == nil {
					onEvent(ev)
				}
			}
		case protocol.FrameRes:
			if head.ID != id {
				continue
			}
			var res protocol.ResponseFrame
			if err := json.Unmarshal(frame, &res); err != nil {
				return nil, err
			}
			return &res, nil
		}
	}
}

func runChat() {
	ctx := context.Background()
	client, err := dialGateway(ctx, []string{protocol.ScopeWrite})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer client.close()

	if sessionKey == "" {
		sessionKey = "cli:" + uuid.NewString()[:8]
	}

	if oneShot != "" {
		if err := sendTurn(client, oneShot); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "Hearth chat (session %s). Type \"exit\" to quit.\n\n", sessionKey)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}
		if err := sendTurn(client, input); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}

// sendTurn streams one agent turn to stdout.
func sendTurn(client *rpcClient, message string) error {
	streamed := false
	res, err := client.call(protocol.MethodAgent, map[string]string{
		"message":     message,
		"session_key": sessionKey,
	}, func(ev protocol.EventFrame) {
		if ev.Event != "agent.text" {
			return
		}
		payload, _ := ev.Payload.(map[string]interface{})
		if thinking, _ := payload["thinking"].(bool); thinking {
			return
		}
		if text, _ := payload["text"].(string); text != "" {
			fmt.Print(text)
			streamed = true
		}
	})
	if err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("%s", res.Error.Message)
	}
	if streamed {
		fmt.Println()
		return nil
	}
	// No streamed events reached us; fall back to the final reply.
	payload, _ := res.Payload.(map[string]interface{})
	if reply, _ := payload["reply"].(string); reply != "" {
		fmt.Println(reply)
	}
	return nil
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway status",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			client, err := dialGateway(ctx, []string{protocol.ScopeRead})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer client.close()

			res, err := client.call(protocol.MethodStatus, nil, nil)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if !res.OK {
				fmt.Fprintf(os.Stderr, "Error: %s\n", res.Error.Message)
				os.Exit(1)
			}
			out, _ := json.MarshalIndent(res.Payload, "", "  ")
			fmt.Println(string(out))
		},
	}
	cmd.Flags().StringVar(&gatewayAddr, "gateway", "127.0.0.1:18900", "gateway address")
	return cmd
}
