// Talkline CLI - Command line client for Talkline
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/talkline/talkline/clients/go/talkline"
)

func main() {
	if len(os.Args) < 3 {
		usage()
		os.Exit(1)
	}

	baseURL := os.Getenv("TALKLINE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	identity := os.Args[1]
	cmd := os.Args[2]

	client, err := talkline.Dial(baseURL)
	exitOnError(err)
	defer client.Close()

	exitOnError(client.Register(identity))

	switch cmd {
	case "request":
		requireArg(3, "talkline <me> request <peer>")
		exitOnError(client.SendConnectionRequest(identity, os.Args[3]))
		drain(client, 500*time.Millisecond)

	case "accept":
		requireArg(3, "talkline <me> accept <peer>")
		exitOnError(client.AcceptConnection(os.Args[3], identity))
		drain(client, 500*time.Millisecond)

	case "send":
		requireArg(4, "talkline <me> send <peer> <message>")
		exitOnError(client.SendMessage(identity, os.Args[3], strings.Join(os.Args[4:], " "), ""))
		drain(client, 500*time.Millisecond)

	case "history":
		requireArg(3, "talkline <me> history <peer>")
		exitOnError(client.LoadMessages(identity, os.Args[3]))
		frame, err := client.Next()
		exitOnError(err)
		var msgs []talkline.Message
		exitOnError(json.Unmarshal(frame.Data, &msgs))
		for _, msg := range msgs {
			fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Format("2006-01-02 15:04:05"), msg.Sender, msg.Body)
		}

	case "search":
		requireArg(3, "talkline <me> search <query>")
		exitOnError(client.SearchUsers(os.Args[3], identity))
		frame, err := client.Next()
		exitOnError(err)
		printJSON(frame.Data)

	case "listen":
		// Print every event as it arrives until interrupted
		fmt.Fprintf(os.Stderr, "listening as %s (ctrl-c to quit)\n", identity)
		for {
			frame, err := client.Next()
			exitOnError(err)
			fmt.Printf("%s: %s\n", frame.Event, string(frame.Data))
		}

	case "chat":
		requireArg(3, "talkline <me> chat <peer>")
		peer := os.Args[3]
		go func() {
			for {
				frame, err := client.Next()
				if err != nil {
					return
				}
				if frame.Event == "receiveMessage" {
					var msg talkline.Message
					if json.Unmarshal(frame.Data, &msg) == nil && msg.Sender != identity {
						fmt.Printf("%s: %s\n", msg.Sender, msg.Body)
					}
				}
			}
		}()
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			exitOnError(client.SendMessage(identity, peer, line, ""))
		}

	default:
		usage()
		os.Exit(1)
	}
}

// drain prints events already queued for this session, then exits. One-shot
// commands use it to surface the server's response before hanging up.
func drain(client *talkline.Client, wait time.Duration) {
	done := time.After(wait)
	events := make(chan *talkline.Frame)
	go func() {
		for {
			frame, err := client.Next()
			if err != nil {
				close(events)
				return
			}
			events <- frame
		}
	}()
	for {
		select {
		case frame, ok := <-events:
			if !ok {
				return
			}
			fmt.Printf("%s: %s\n", frame.Event, string(frame.Data))
		case <-done:
			return
		}
	}
}

func requireArg(n int, usageLine string) {
	if len(os.Args) <= n {
		fmt.Fprintln(os.Stderr, "Usage: "+usageLine)
		os.Exit(1)
	}
}

func printJSON(raw json.RawMessage) {
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		fmt.Println(string(raw))
		return
	}
	pretty, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(pretty))
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Talkline CLI

Usage: talkline <identity> <command> [args]

Commands:
  request <peer>          Send a connection request
  accept <peer>           Accept a pending request from peer
  send <peer> <message>   Send a direct message
  history <peer>          Print the conversation with peer
  search <query>          Search identities
  listen                  Print incoming events
  chat <peer>             Interactive chat with peer

Environment:
  TALKLINE_URL   Server base URL (default http://localhost:8080)`)
}
