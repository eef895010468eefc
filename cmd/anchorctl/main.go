package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"slanchor/config"
	"slanchor/crypto"
	"slanchor/storage"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "gen-key":
		err = runGenKey(os.Args[2:])
	case "register-signer":
		err = runRegisterSigner(os.Args[2:])
	case "revoke-signer":
		err = runRevokeSigner(os.Args[2:])
	case "seed-utxo":
		err = runSeedUTXO(os.Args[2:])
	case "job":
		err = runJob(os.Args[2:])
	case "audit":
		err = runAudit(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "anchorctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: anchorctl <command> [flags]

commands:
  gen-key          generate the server signing key file
  register-signer  add a signer public key to the registry
  revoke-signer    revoke a registered signer
  seed-utxo        insert a pool input (bootstrap funding)
  job              inspect a job by id
  audit            list audit events for a signer`)
}

func openStore(cfgPath string) (*storage.Store, *config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	db, err := storage.Open(cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, err
	}
	return storage.New(db), cfg, nil
}

func runGenKey(args []string) error {
	fs := flag.NewFlagSet("gen-key", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to anchord configuration")
	out := fs.String("out", "", "output path for the key file (defaults to key_file from config)")
	fs.Parse(args)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	params, err := cfg.Params()
	if err != nil {
		return err
	}
	path := *out
	if path == "" {
		path = cfg.KeyFile
	}
	if path == "" {
		return fmt.Errorf("no output path: set -out or key_file in the config")
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("refusing to overwrite existing key file %s", path)
	}

	key, err := crypto.NewSigningKey(params)
	if err != nil {
		return err
	}
	if err := crypto.SaveKeyFile(path, key); err != nil {
		return err
	}
	addr, err := key.Address()
	if err != nil {
		return err
	}
	fmt.Printf("wrote %s\npubkey  %s\naddress %s\n", path, key.PubKeyHex(), addr.EncodeAddress())
	return nil
}

func runRegisterSigner(args []string) error {
	fs := flag.NewFlagSet("register-signer", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to anchord configuration")
	pubKey := fs.String("pubkey", "", "compressed public key hex")
	policy := fs.String("policy", "", "optional policy note stored with the signer")
	fs.Parse(args)

	normalized := strings.ToLower(strings.TrimSpace(*pubKey))
	if _, err := crypto.ParsePubKeyHex(normalized); err != nil {
		return err
	}
	store, _, err := openStore(*cfgPath)
	if err != nil {
		return err
	}
	if err := store.RegisterSigner(context.Background(), normalized, *policy); err != nil {
		return err
	}
	fmt.Printf("registered %s\n", normalized)
	return nil
}

func runRevokeSigner(args []string) error {
	fs := flag.NewFlagSet("revoke-signer", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to anchord configuration")
	pubKey := fs.String("pubkey", "", "compressed public key hex")
	fs.Parse(args)

	normalized := strings.ToLower(strings.TrimSpace(*pubKey))
	store, _, err := openStore(*cfgPath)
	if err != nil {
		return err
	}
	if err := store.RevokeSigner(context.Background(), normalized); err != nil {
		return err
	}
	fmt.Printf("revoked %s\n", normalized)
	return nil
}

func runSeedUTXO(args []string) error {
	fs := flag.NewFlagSet("seed-utxo", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to anchord configuration")
	txid := fs.String("txid", "", "funding transaction id")
	vout := fs.Uint("vout", 0, "output index")
	satoshis := fs.Int64("satoshis", 0, "output value")
	script := fs.String("script", "", "locking script hex")
	address := fs.String("address", "", "output address")
	purpose := fs.String("purpose", storage.PurposeFunding, "publish, funding, or change")
	fs.Parse(args)

	switch *purpose {
	case storage.PurposePublish, storage.PurposeFunding, storage.PurposeChange:
	default:
		return fmt.Errorf("unknown purpose %q", *purpose)
	}
	if *txid == "" || *satoshis <= 0 || *script == "" {
		return fmt.Errorf("txid, satoshis, and script are required")
	}

	store, _, err := openStore(*cfgPath)
	if err != nil {
		return err
	}
	u := &storage.UTXO{
		TxID:          strings.ToLower(*txid),
		Vout:          uint32(*vout),
		Satoshis:      *satoshis,
		LockingScript: *script,
		Address:       *address,
		Purpose:       *purpose,
		Status:        storage.UTXOAvailable,
	}
	if err := store.InsertUTXO(context.Background(), u); err != nil {
		return err
	}
	fmt.Printf("seeded %s:%d (%d sats, %s)\n", u.TxID, u.Vout, u.Satoshis, u.Purpose)
	return nil
}

func runJob(args []string) error {
	fs := flag.NewFlagSet("job", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to anchord configuration")
	jobID := fs.String("id", "", "job id")
	fs.Parse(args)

	if *jobID == "" {
		return fmt.Errorf("-id is required")
	}
	store, _, err := openStore(*cfgPath)
	if err != nil {
		return err
	}
	job, err := store.JobByJobID(context.Background(), *jobID)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	events, err := store.AuditByResource(context.Background(), "job", job.JobID)
	if err != nil {
		return err
	}
	for _, ev := range events {
		fmt.Printf("%s  %-10s %s\n", ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.Action, ev.Details)
	}
	return nil
}

func runAudit(args []string) error {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to anchord configuration")
	actor := fs.String("actor", "", "signer public key hex")
	fs.Parse(args)

	if *actor == "" {
		return fmt.Errorf("-actor is required")
	}
	store, _, err := openStore(*cfgPath)
	if err != nil {
		return err
	}
	events, err := store.AuditByActor(context.Background(), strings.ToLower(strings.TrimSpace(*actor)))
	if err != nil {
		return err
	}
	for _, ev := range events {
		fmt.Printf("%s  %-14s %-10s %s/%s %s\n",
			ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.EventType, ev.Action,
			ev.ResourceType, ev.ResourceID, ev.Details)
	}
	return nil
}
