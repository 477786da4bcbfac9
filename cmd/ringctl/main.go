// Command ringctl signs ring submissions, cancellations and cutoffs described in a
// YAML file and prints the request JSON, optionally publishing it to the
// settlement daemon over NATS.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"gopkg.in/yaml.v3"

	"github.com/yuanfeiz/protocol/internal/ingestion"
	"github.com/yuanfeiz/protocol/internal/observability"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: ringctl <ring|cancel|cutoff> -f <file.yaml> [-publish nats://host:4222]")
	fmt.Fprintln(os.Stderr, "  ring   - sign a ring submission")
	fmt.Fprintln(os.Stderr, "  cancel - sign an order cancellation")
	fmt.Fprintln(os.Stderr, "  cutoff - sign a cutoff raise")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	cmd := os.Args[1]

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	file := fs.String("f", "", "YAML input file")
	natsURL := fs.String("publish", "", "publish the request to this NATS server")
	fs.Parse(os.Args[2:])
	if *file == "" {
		usage()
	}

	log := observability.NewLoggerTo(os.Stderr, "ringctl", observability.ParseLogLevel(os.Getenv("RING_LOG_LEVEL")))

	data, err := os.ReadFile(*file)
	if err != nil {
		log.Fatal().Err(err).Msg("read input")
	}

	var (
		out     any
		payload []byte
		subject string
		msgID   string
	)
	switch cmd {
	case "ring":
		var f RingFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			log.Fatal().Err(err).Msg("parse ring file")
		}
		signed, err := BuildRing(&f)
		if err != nil {
			log.Fatal().Err(err).Msg("build ring")
		}
		out, msgID = signed, f.RequestID
		payload, err = json.Marshal(signed.Request)
		if err != nil {
			log.Fatal().Err(err).Msg("encode request")
		}
		subject = "ring.submit." + signed.RingHash.Hex()

	case "cancel":
		var f CancelFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			log.Fatal().Err(err).Msg("parse cancel file")
		}
		req, hash, err := BuildCancel(&f, time.Now())
		if err != nil {
			log.Fatal().Err(err).Msg("build cancel")
		}
		out, msgID = req, f.RequestID
		payload, err = json.Marshal(req)
		if err != nil {
			log.Fatal().Err(err).Msg("encode request")
		}
		subject = "ring.cancel." + hash.Hex()

	case "cutoff":
		var f CutoffFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			log.Fatal().Err(err).Msg("parse cutoff file")
		}
		req, err := BuildCutoff(&f, time.Now())
		if err != nil {
			log.Fatal().Err(err).Msg("build cutoff")
		}
		out, msgID = req, f.RequestID
		payload, err = json.Marshal(req)
		if err != nil {
			log.Fatal().Err(err).Msg("encode request")
		}
		subject = "ring.cutoff." + req.Owner.Hex()

	default:
		usage()
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatal().Err(err).Msg("write output")
	}

	if *natsURL == "" {
		return
	}
	nc, js, err := ingestion.ConnectNATS(*natsURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect")
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	ack, err := js.Publish(ctx, subject, payload, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("publish")
	}
	log.Info().Str("subject", subject).Str("stream", ack.Stream).Uint64("seq", ack.Sequence).Msg("published")
}
