package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/davidahmann/ssi-gateway/internal/auth"
	"github.com/davidahmann/ssi-gateway/internal/auth/pgkeys"
	"github.com/davidahmann/ssi-gateway/internal/crypto"
	"github.com/davidahmann/ssi-gateway/internal/policy"
	"github.com/davidahmann/ssi-gateway/internal/telemetry"
	"github.com/fatih/color"
	"github.com/google/uuid"
)

const defaultAddr = "http://localhost:4040"

func main() {
	exitFn(run(os.Args, os.Stdout, os.Stderr))
}

var exitFn = os.Exit

var httpClient = telemetry.InstrumentClient(&http.Client{Timeout: 15 * time.Second})

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
	warnColor = color.New(color.FgYellow)
)

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "verify":
		return handleVerify(args[2:], stdout, stderr)
	case "verify-chain":
		return handleVerifyChain(args[2:], stdout, stderr)
	case "decide":
		return handleDecide(args[2:], stdout, stderr)
	case "envelope":
		return handleEnvelope(args[2:], stdout, stderr)
	case "keygen":
		return handleKeygen(args[2:], stdout, stderr)
	case "hash-key":
		return handleHashKey(args[2:], stdout, stderr)
	case "token":
		return handleToken(args[2:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

// credentials are the flags shared by every command that calls the gateway.
type credentials struct {
	addr   *string
	token  *string
	apiKey *string
}

func gatewayFlags(fs *flag.FlagSet) credentials {
	return credentials{
		addr:   fs.String("addr", envOrDefault("SSI_ADDR", defaultAddr), "gateway address"),
		token:  fs.String("token", os.Getenv("SSI_TOKEN"), "bearer token"),
		apiKey: fs.String("api-key", os.Getenv("SSI_API_KEY"), "api key"),
	}
}

func (c credentials) do(method, path string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, strings.TrimRight(*c.addr, "/")+path, reader)
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if *c.token != "" {
		req.Header.Set("Authorization", "Bearer "+*c.token)
	} else if *c.apiKey != "" {
		req.Header.Set("x-api-key", *c.apiKey)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return out, resp.StatusCode, nil
}

func handleVerify(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	creds := gatewayFlags(fs)
	jsonOut := fs.Bool("json", false, "print raw JSON response")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "verify requires <rpx_id>")
		fs.Usage()
		return 2
	}

	respBody, status, err := creds.do(http.MethodGet, "/v1/audit/verify/"+fs.Arg(0), nil)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if status != http.StatusOK {
		fmt.Fprintf(stderr, "verify failed: %s\n", strings.TrimSpace(string(respBody)))
		return 1
	}
	if *jsonOut {
		_, _ = stdout.Write(respBody)
		return 0
	}

	var payload struct {
		RecordID string          `json:"rpx_id"`
		Valid    bool            `json:"valid"`
		Checks   map[string]bool `json:"checks"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}

	if payload.Valid {
		okColor.Fprint(stdout, "VALID")
		fmt.Fprintf(stdout, " rpx_id=%s\n", payload.RecordID)
		return 0
	}
	failColor.Fprint(stdout, "INVALID")
	fmt.Fprintf(stdout, " rpx_id=%s failed=%s\n", payload.RecordID, strings.Join(failedChecks(payload.Checks), ","))
	return 1
}

func failedChecks(checks map[string]bool) []string {
	var failed []string
	for _, name := range []string{"entry_hash_match", "signature_valid", "chain_valid"} {
		if ok, present := checks[name]; present && !ok {
			failed = append(failed, name)
		}
	}
	return failed
}

func handleVerifyChain(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify-chain", flag.ContinueOnError)
	fs.SetOutput(stderr)
	creds := gatewayFlags(fs)
	jsonOut := fs.Bool("json", false, "print raw JSON response")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "verify-chain requires <rpx_id>")
		fs.Usage()
		return 2
	}

	respBody, status, err := creds.do(http.MethodGet, "/v1/audit/verify-chain/"+fs.Arg(0), nil)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if status != http.StatusOK {
		fmt.Fprintf(stderr, "verify-chain failed: %s\n", strings.TrimSpace(string(respBody)))
		return 1
	}
	if *jsonOut {
		_, _ = stdout.Write(respBody)
		return 0
	}

	var payload struct {
		RecordID     string  `json:"rpx_id"`
		ValidEntry   bool    `json:"valid_entry"`
		Anchored     bool    `json:"anchored"`
		BreakReason  *string `json:"break_reason"`
		CheckedCount int     `json:"checked_count"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}

	if payload.ValidEntry && payload.Anchored {
		okColor.Fprint(stdout, "ANCHORED")
		fmt.Fprintf(stdout, " rpx_id=%s checked=%d\n", payload.RecordID, payload.CheckedCount)
		return 0
	}
	reason := "none"
	if payload.BreakReason != nil {
		reason = *payload.BreakReason
	}
	failColor.Fprint(stdout, "BROKEN")
	fmt.Fprintf(stdout, " rpx_id=%s valid_entry=%t break_reason=%s checked=%d\n",
		payload.RecordID, payload.ValidEntry, reason, payload.CheckedCount)
	return 1
}

func handleDecide(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("decide", flag.ContinueOnError)
	fs.SetOutput(stderr)
	creds := gatewayFlags(fs)
	systemID := fs.String("system", "", "system id")
	actionType := fs.String("action", "", "action type")
	payload := fs.String("payload", "{}", "action payload as JSON")
	jsonOut := fs.Bool("json", false, "print raw JSON response")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var body []byte
	switch fs.NArg() {
	case 0:
		var fields map[string]any
		if err := json.Unmarshal([]byte(*payload), &fields); err != nil {
			fmt.Fprintln(stderr, "payload must be a JSON object:", err)
			return 2
		}
		req := map[string]any{"action": map[string]any{"type": *actionType, "payload": fields}}
		if *systemID != "" {
			req["system_id"] = *systemID
		}
		encoded, err := json.Marshal(req)
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
		body = encoded
	case 1:
		raw, err := readInput(fs.Arg(0))
		if err != nil {
			fmt.Fprintln(stderr, "read request:", err)
			return 1
		}
		body = raw
	default:
		fmt.Fprintln(stderr, "decide takes at most one <request.json|->")
		fs.Usage()
		return 2
	}

	respBody, status, err := creds.do(http.MethodPost, "/v1/decisions", body)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if *jsonOut {
		_, _ = stdout.Write(respBody)
		if status != http.StatusOK {
			return 1
		}
		return 0
	}

	var resp struct {
		Success  bool    `json:"success"`
		RecordID *string `json:"rpx_id"`
		Degraded bool    `json:"audit_degraded"`
		Decision struct {
			Decision string `json:"decision"`
			Reason   string `json:"reason"`
		} `json:"decision"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}
	if resp.Error != "" {
		fmt.Fprintf(stderr, "decide failed: %s %s\n", resp.Error, resp.Message)
		return 1
	}

	if resp.Decision.Decision == "ALLOW" {
		okColor.Fprint(stdout, "ALLOW")
	} else {
		failColor.Fprint(stdout, resp.Decision.Decision)
	}
	recordID := "none"
	if resp.RecordID != nil {
		recordID = *resp.RecordID
	}
	fmt.Fprintf(stdout, " rpx_id=%s reason=%q\n", recordID, resp.Decision.Reason)
	if resp.Degraded {
		warnColor.Fprintln(stdout, "warning: audit record was not persisted")
	}
	if !resp.Success {
		return 1
	}
	return 0
}

var stdin io.Reader = os.Stdin

// readInput reads path, or stdin when path is "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	// #nosec G304 -- path is supplied by the operator running the CLI.
	return os.ReadFile(path)
}

func handleEnvelope(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	switch args[0] {
	case "lint":
		return envelopeLint(args[1:], stdout, stderr)
	case "sign":
		return envelopeSign(args[1:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

// trustedKeys collects repeated --trusted-key id=hex flags.
type trustedKeys map[string]string

func (t trustedKeys) String() string { return fmt.Sprint(map[string]string(t)) }

func (t trustedKeys) Set(v string) error {
	id, key, ok := strings.Cut(v, "=")
	if !ok || id == "" || key == "" {
		return fmt.Errorf("want id=hexkey, got %q", v)
	}
	t[id] = key
	return nil
}

func envelopeLint(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("envelope lint", flag.ContinueOnError)
	fs.SetOutput(stderr)
	keys := trustedKeys{}
	fs.Var(keys, "trusted-key", "trusted signer as id=hexkey (repeatable); enables signature checks")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "envelope lint requires <envelope_path>")
		fs.Usage()
		return 2
	}

	loaded, err := policy.LoadEnvelope(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	signed := "unsigned"
	if loaded.Envelope.Signature != nil {
		signed = "key_id=" + loaded.Envelope.Signature.KeyID
	}
	if len(keys) > 0 {
		if err := policy.VerifyEnvelopeSignature(loaded.Envelope, keys); err != nil {
			failColor.Fprint(stdout, "FAIL")
			fmt.Fprintf(stdout, " envelope_id=%s signature: %v\n", loaded.Envelope.EnvelopeID, err)
			return 1
		}
		signed = "verified " + signed
	}

	okColor.Fprint(stdout, "ok")
	fmt.Fprintf(stdout, " envelope_id=%s version=%s rules=%d sha256=%s signature=%s\n",
		loaded.Envelope.EnvelopeID, loaded.Envelope.Version, len(loaded.Envelope.Rules), loaded.Hash, signed)
	return 0
}

func envelopeSign(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("envelope sign", flag.ContinueOnError)
	fs.SetOutput(stderr)
	keyPath := fs.String("key", "", "Ed25519 private key or seed file")
	keyID := fs.String("key-id", "", "key id recorded in the signature")
	outPath := fs.String("out", "", "write the signed envelope here instead of stdout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 || *keyPath == "" || *keyID == "" {
		fmt.Fprintln(stderr, "envelope sign requires --key, --key-id and <envelope_path>")
		fs.Usage()
		return 2
	}

	loaded, err := policy.LoadEnvelope(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	priv, pub, err := crypto.LoadSigningKey(*keyPath)
	if err != nil {
		fmt.Fprintln(stderr, "load key:", err)
		return 1
	}
	signed, err := policy.SignEnvelope(loaded.Envelope, *keyID, priv)
	if err != nil {
		fmt.Fprintln(stderr, "sign:", err)
		return 1
	}
	out, err := json.MarshalIndent(signed, "", "  ")
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	out = append(out, '\n')

	if *outPath == "" {
		_, _ = stdout.Write(out)
		return 0
	}
	if err := os.WriteFile(*outPath, out, 0o600); err != nil {
		fmt.Fprintln(stderr, "write output:", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s key_id=%s public_key=%s\n", *outPath, *keyID, hex.EncodeToString(pub))
	return 0
}

func handleKeygen(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	outPath := fs.String("out", "", "file to write the hex seed to")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *outPath == "" {
		fmt.Fprintln(stderr, "keygen requires --out")
		fs.Usage()
		return 2
	}

	pub, err := crypto.GenerateSeedFile(*outPath)
	if err != nil {
		fmt.Fprintln(stderr, "write key:", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s public_key=%s\n", *outPath, hex.EncodeToString(pub))
	return 0
}

// keyInserter is the provisioning side of the postgres key store.
type keyInserter interface {
	Insert(ctx context.Context, rec auth.KeyRecord) error
}

var openKeyStore = func(ctx context.Context, dsn string) (keyInserter, func(), error) {
	pool, err := pgkeys.Open(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return &pgkeys.Store{DB: pool}, pool.Close, nil
}

func handleHashKey(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("hash-key", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dsn := fs.String("dsn", os.Getenv("SSI_API_KEYS_DSN"), "postgres api key database; when set the key is stored")
	tenant := fs.String("tenant", "", "tenant id for the stored key")
	roleName := fs.String("role", "viewer", "viewer, auditor or admin")
	expires := fs.String("expires", "", "RFC3339 expiry for the stored key")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	rec := auth.KeyRecord{KeyID: uuid.NewString(), TenantID: *tenant, Active: true}
	if *dsn != "" {
		role, ok := auth.ParseRole(*roleName)
		if !ok || *tenant == "" {
			fmt.Fprintln(stderr, "storing a key needs --tenant and a valid --role")
			return 2
		}
		rec.Role = role
		if *expires != "" {
			exp, err := time.Parse(time.RFC3339, *expires)
			if err != nil {
				fmt.Fprintln(stderr, "expires:", err)
				return 2
			}
			rec.ExpiresAt = &exp
		}
	}

	key := fs.Arg(0)
	if key == "" {
		generated, err := auth.GenerateKey()
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
		key = generated
		fmt.Fprintf(stdout, "key=%s\n", key)
		warnColor.Fprintln(stdout, "store this key now; only its hash is kept")
	}
	hash, prefix, err := auth.HashKey(key)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	fmt.Fprintf(stdout, "prefix=%s\nhash=%s\n", prefix, hash)
	if *dsn == "" {
		return 0
	}

	rec.KeyHash, rec.KeyPrefix = hash, prefix
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	store, closeStore, err := openKeyStore(ctx, *dsn)
	if err != nil {
		fmt.Fprintln(stderr, "open key store:", err)
		return 1
	}
	defer closeStore()
	if err := store.Insert(ctx, rec); err != nil {
		fmt.Fprintln(stderr, "store key:", err)
		return 1
	}
	okColor.Fprintf(stdout, "stored key_id=%s tenant=%s role=%s\n", rec.KeyID, rec.TenantID, rec.Role)
	return 0
}

func handleToken(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "HS256 secret")
	subject := fs.String("sub", "", "token subject")
	tenant := fs.String("tenant", "", "tenant id")
	role := fs.String("role", "viewer", "viewer, auditor or admin")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *secret == "" || *subject == "" || *tenant == "" {
		fmt.Fprintln(stderr, "token requires --secret (or JWT_SECRET), --sub and --tenant")
		fs.Usage()
		return 2
	}
	parsed, ok := auth.ParseRole(*role)
	if !ok {
		fmt.Fprintf(stderr, "unknown role %q\n", *role)
		return 2
	}

	tok, err := auth.IssueToken(*secret, *subject, *tenant, parsed, *ttl, time.Now())
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	fmt.Fprintln(stdout, tok)
	return 0
}

func envOrDefault(key string, fallback string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallback
}

func usage(w io.Writer) {
	fmt.Fprint(w, `SSI CLI

Usage:
  ssi-cli verify <rpx_id> [--addr URL] [--token TOKEN | --api-key KEY] [--json]
  ssi-cli verify-chain <rpx_id> [--addr URL] [--token TOKEN | --api-key KEY] [--json]
  ssi-cli decide --system ID [--action TYPE] [--payload JSON] [--addr URL] [--token TOKEN]
  ssi-cli decide <request.json|-> [--addr URL] [--token TOKEN]
  ssi-cli envelope lint <envelope_path> [--trusted-key id=hexkey ...]
  ssi-cli envelope sign --key KEYFILE --key-id ID <envelope_path> [--out PATH]
  ssi-cli keygen --out PATH
  ssi-cli hash-key [--dsn DSN --tenant TENANT [--role ROLE] [--expires RFC3339]] [key]
  ssi-cli token --sub SUBJECT --tenant TENANT [--role ROLE] [--ttl 1h] [--secret SECRET]
`)
}
