package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/notepid/twilight_chat/internal/chat"
	"github.com/notepid/twilight_chat/internal/client"
	"github.com/notepid/twilight_chat/internal/config"
	"github.com/notepid/twilight_chat/internal/logging"
)

const usage = `Commands:
  <text>               send to everyone
  /msg <user> <text>   private message
  /edit <id> <text>    edit a message you sent
  /del <id>            delete a message you sent
  /read <id>           mark a message read
  /who                 list online users
  /history             fetch your conversation from the server
  /quit                disconnect`

func main() {
	addr := flag.String("addr", "127.0.0.1:9999", "chat server address")
	username := flag.String("user", "", "username")
	register := flag.Bool("register", false, "create the account before logging in")
	logLevel := flag.String("log-level", "warn", "client log level")
	flag.Parse()

	logger, err := logging.New(config.LogConfig{Level: *logLevel, Development: true})
	if err != nil {
		fatal(err)
	}
	defer logger.Sync()

	in := bufio.NewScanner(os.Stdin)
	if *username == "" {
		fmt.Print("Username: ")
		if !in.Scan() {
			os.Exit(1)
		}
		*username = strings.TrimSpace(in.Text())
	}

	password, err := readPassword()
	if err != nil {
		fatal(err)
	}

	c := client.New(*addr, client.WithLogger(logger))
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if *register {
		err = c.Register(ctx, *username, password)
	} else {
		err = c.Connect(ctx, *username, password)
	}
	cancel()
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Connected to %s as %s. Type /help for commands.\n", *addr, *username)

	go printNotifications(c)

	for in.Scan() {
		if !handleLine(c, strings.TrimSpace(in.Text())) {
			break
		}
	}
	if c.Connected() {
		c.Disconnect()
	}
}

// handleLine runs one input line. It returns false to exit.
func handleLine(c *client.Client, line string) bool {
	if line == "" {
		return true
	}
	if !c.Connected() {
		fmt.Println("! disconnected")
		return false
	}

	cmd, rest, _ := strings.Cut(line, " ")
	var err error
	switch cmd {
	case "/quit":
		return false
	case "/help":
		fmt.Println(usage)
	case "/msg":
		to, text, ok := strings.Cut(rest, " ")
		if !ok {
			fmt.Println("usage: /msg <user> <text>")
			return true
		}
		var id string
		if id, err = c.Send(to, text); err == nil {
			fmt.Printf("(sent %s)\n", id)
		}
	case "/edit":
		id, text, ok := strings.Cut(rest, " ")
		if !ok {
			fmt.Println("usage: /edit <id> <text>")
			return true
		}
		err = c.Edit(id, text)
	case "/del":
		err = c.Delete(rest)
	case "/read":
		err = c.MarkRead(rest)
	case "/who":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		var users []string
		if users, err = c.Who(ctx); err == nil {
			fmt.Printf("Online: %s\n", strings.Join(users, ", "))
		}
		cancel()
	case "/history":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		var msgs []chat.Message
		if msgs, err = c.FetchHistory(ctx); err == nil {
			for _, m := range msgs {
				printMessage(m)
			}
			fmt.Printf("(%d messages)\n", len(msgs))
		}
		cancel()
	default:
		if strings.HasPrefix(cmd, "/") {
			fmt.Println("unknown command; /help lists them")
			return true
		}
		_, err = c.Send(chat.Everyone, line)
	}
	if err != nil {
		fmt.Printf("! %v\n", err)
	}
	return true
}

func printNotifications(c *client.Client) {
	for {
		select {
		case m := <-c.Messages():
			printMessage(m)
		case users := <-c.UserList():
			fmt.Printf("* online: %s\n", strings.Join(users, ", "))
		case up := <-c.Status():
			if !up {
				fmt.Println("* connection closed")
			}
		}
	}
}

func printMessage(m chat.Message) {
	ts := m.Timestamp.Local().Format("15:04")
	switch {
	case m.Type == chat.SystemNotice && m.ID == "":
		fmt.Printf("* %s\n", m.Content)
	case m.Deleted:
		fmt.Printf("[%s] %s deleted message %s\n", ts, m.Sender, m.ID)
	case m.Recipient == chat.Everyone:
		fmt.Printf("[%s] <%s> %s  (%s)\n", ts, m.Sender, m.Content, m.ID)
	default:
		fmt.Printf("[%s] <%s -> %s> %s  (%s)\n", ts, m.Sender, m.Recipient, m.Content, m.ID)
	}
}

// readPassword prompts without echo when stdin is a terminal.
func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal; cannot prompt for a password")
	}
	fmt.Print("Password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
