package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-readaloud/internal/bus"
	"github.com/loqalabs/loqa-readaloud/internal/config"
	"github.com/loqalabs/loqa-readaloud/internal/protocol"
	"github.com/loqalabs/loqa-readaloud/internal/segment"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

const usage = "expected 'speak', 'stop', 'segment' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "speak":
		err = runSpeak(ctx, os.Args[2:], os.Stdout)
	case "stop":
		err = runStop(ctx, os.Args[2:])
	case "segment":
		err = runSegment(os.Args[2:], os.Stdin, os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type busFlags struct {
	servers string
	timeout time.Duration
}

func (b *busFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&b.servers, "servers", "nats://localhost:4222", "Comma separated NATS servers")
	fs.DurationVar(&b.timeout, "timeout", 5*time.Second, "Request timeout")
}

func (b *busFlags) connect(ctx context.Context) (*bus.Client, error) {
	cfg := config.BusConfig{
		Servers:        strings.Split(b.servers, ","),
		ConnectTimeout: int(b.timeout / time.Millisecond),
	}
	return bus.Connect(ctx, "readaloud-cli", cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func runSegment(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("segment", flag.ContinueOnError)
	maxLength := fs.Int("max", 200, "Maximum characters per segment")
	if err := fs.Parse(args); err != nil {
		return err
	}
	text := strings.Join(fs.Args(), " ")
	if text == "" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return err
		}
		text = string(data)
	}
	segments, err := segment.Split(text, *maxLength)
	if err != nil {
		return err
	}
	for i, s := range segments {
		fmt.Fprintf(stdout, "%d\t%d\t%q\n", i, segment.Count(s), s)
	}
	return nil
}

func runSpeak(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("speak", flag.ContinueOnError)
	var bf busFlags
	bf.register(fs)
	voice := fs.String("voice", "", "Voice override")
	speed := fs.Float64("speed", 0, "Speed override")
	follow := fs.Bool("follow", false, "Print stream messages until the stream ends")
	if err := fs.Parse(args); err != nil {
		return err
	}
	text := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(text) == "" {
		return errors.New("speak: text is required")
	}

	client, err := bf.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	// Subscribe first; chunks may arrive before the reply.
	var messages chan *nats.Msg
	if *follow {
		messages = make(chan *nats.Msg, 256)
		sub, err := client.Conn().ChanSubscribe(protocol.SubjectStream, messages)
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
	}

	data, err := json.Marshal(protocol.SpeakRequest{Text: text, Voice: *voice, Speed: *speed})
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, bf.timeout)
	defer cancel()
	msg, err := client.Conn().RequestWithContext(reqCtx, protocol.SubjectSpeak, data)
	if err != nil {
		return fmt.Errorf("speak request: %w", err)
	}
	var reply protocol.SpeakReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if reply.Error != "" {
		return fmt.Errorf("speak rejected: %s", reply.Error)
	}
	fmt.Fprintf(stdout, "request %s (%d segments)\n", reply.RequestID, reply.Segments)
	if !*follow {
		return nil
	}
	return followStream(ctx, reply.RequestID, messages, stdout)
}

func followStream(ctx context.Context, id string, messages <-chan *nats.Msg, stdout io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw := <-messages:
			msg, err := protocol.Decode(raw.Data)
			if err != nil || msg.Request() != id {
				continue
			}
			switch m := msg.(type) {
			case protocol.Chunk:
				fmt.Fprintf(stdout, "chunk %d/%d %d bytes %q\n", m.Index+1, m.Total, len(m.Audio), m.Text)
			case protocol.Complete:
				fmt.Fprintln(stdout, "complete")
				return nil
			case protocol.Failure:
				return fmt.Errorf("stream failed: %s", m.Message)
			}
		}
	}
}

func runStop(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	var bf busFlags
	bf.register(fs)
	id := fs.String("id", "", "Request id to cancel")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("stop: -id is required")
	}
	client, err := bf.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	data, err := json.Marshal(protocol.CancelRequest{RequestID: *id})
	if err != nil {
		return err
	}
	if err := client.Conn().Publish(protocol.SubjectCancel, data); err != nil {
		return err
	}
	return client.Conn().FlushTimeout(bf.timeout)
}
