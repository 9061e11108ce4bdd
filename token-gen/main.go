package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
)

// issued is one line of the output file consumed by sse-load.
type issued struct {
	UserID int64  `json:"userId"`
	Token  string `json:"token"`
}

func main() {
	var (
		count  = flag.Int("count", 1, "number of tokens to generate")
		start  = flag.Int64("start", 1, "first user id when count > 1")
		ttl    = flag.Duration("ttl", time.Hour, "token lifetime")
		output = flag.String("output", "", "file to write generated tokens as a JSON array")
	)
	flag.Parse()

	secret := os.Getenv("AUTH_SHARED_SECRET")
	if secret == "" {
		log.Fatal("AUTH_SHARED_SECRET must be set")
	}
	if *count < 1 {
		log.Fatal("count must be at least 1")
	}
	if *start < 1 {
		log.Fatal("start must be at least 1")
	}

	first := *start
	if args := flag.Args(); len(args) > 0 {
		if *count > 1 {
			log.Fatal("explicit user id cannot be provided when generating multiple tokens")
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id < 1 {
			log.Fatalf("invalid user id %q", args[0])
		}
		first = id
	}

	tokens, err := generateTokens([]byte(secret), first, *count, *ttl, time.Now())
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}
	if *output != "" {
		if err := writeTokens(*output, tokens); err != nil {
			log.Fatalf("write tokens: %v", err)
		}
	}
	fmt.Print(tokens[0].Token)
}

func generateTokens(secret []byte, first int64, count int, ttl time.Duration, now time.Time) ([]issued, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty signing secret")
	}
	out := make([]issued, count)
	for i := range out {
		id := first + int64(i)
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": strconv.FormatInt(id, 10),
			"iat": now.Unix(),
			"exp": now.Add(ttl).Unix(),
		})
		s, err := tok.SignedString(secret)
		if err != nil {
			return nil, err
		}
		out[i] = issued{UserID: id, Token: s}
	}
	return out, nil
}

func writeTokens(path string, tokens []issued) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := sonic.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
