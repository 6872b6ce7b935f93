package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/barnettlynn/mftools/mfkeys/internal/config"
	"github.com/barnettlynn/mftools/pkg/mfclassic"
)

const configFileName = "config.yaml"

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	single := flag.Bool("single", false, "check the dictionary against one block (-block, -key-type) and exit")
	block := flag.Int("block", 0, "block for -single")
	keyType := flag.String("key-type", "A", "key type for -single: A or B")
	diagAuth := flag.Bool("diag-auth", false, "try the configured diag key as A and B on every sector and exit")
	nested := flag.Bool("nested", false, "collect two nested nonces for the configured target and exit (needs a reader with raw nonce access; PC/SC readers such as the ACR122 refuse)")
	dumpPath := flag.String("dump", "", "after the key check, write an emulator image of the card to this file")
	flag.Parse()

	// Configure slog
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if *logFormat == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}

	configPath, err := defaultConfigPath()
	if err != nil {
		log.Fatalf("resolve config path failed: %v", err)
	}
	fmt.Printf("Using config: %s\n", configPath)

	// Ctrl-C aborts a running search the way the reader button does.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch {
	case *diagAuth:
		runDiagnostics(ctx, configPath)
	case *nested:
		runNested(ctx, configPath)
	case *single:
		kt, err := mfclassic.ParseKeyType(*keyType)
		if err != nil {
			log.Fatalf("invalid -key-type: %v", err)
		}
		if *block < 0 || *block > 255 {
			log.Fatalf("invalid -block %d: must be 0..255", *block)
		}
		runSingle(ctx, configPath, uint8(*block), kt)
	default:
		runCheckKeys(ctx, configPath, *dumpPath)
	}
}

func runCheckKeys(ctx context.Context, configPath, dumpPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	keys, err := loadDictionary(cfg.Dictionary)
	if err != nil {
		log.Fatalf("dictionary load failed: %v", err)
	}

	conn := openReader(cfg.Runtime)
	defer conn.Close()

	eng := mfclassic.NewEngine(mfclassic.NewPCSCReader(conn), mfclassic.NewWallClock(), nil)
	sess := mfclassic.NewSession()
	sectors := *cfg.Card.Sectors
	strategy := mfclassic.Strategy(*cfg.Dictionary.Strategy)
	useStore := cfg.Dictionary.StoreFile != ""

	var img *mfclassic.MemoryImage
	var emu mfclassic.ShadowMemory
	if dumpPath != "" {
		img = mfclassic.NewMemoryImage()
		emu = img
	}

	chunks := mfclassic.ChunkKeys(keys, *cfg.Dictionary.ChunkSize)
	fmt.Printf("Checking %d keys on %d sectors (%s, %d chunks)\n", len(keys), sectors, strategy, len(chunks))

	onFound := func(s int, kt mfclassic.KeyType, k mfclassic.Key) {
		slog.Info("key found", "sector", s, "key_type", kt.String(), "key", k.String())
	}

	bar := newProgress(len(keys))
	var res *mfclassic.ChkKeysResult
	for i, chunk := range chunks {
		res, err = eng.CheckKeysFast(ctx, sess, mfclassic.ChkKeysRequest{
			SectorCount:      sectors,
			FirstChunk:       i == 0,
			LastChunk:        i == len(chunks)-1 && !useStore,
			Strategy:         strategy,
			Keys:             chunk,
			AbortBarrenChunk: true,
			OnFound:          onFound,
		})
		bar.add(len(chunk))
		if err != nil {
			bar.finish()
			exitSearch(res, err)
		}
		if res.Complete {
			break
		}
	}

	if useStore && (res == nil || !res.Complete) {
		fmt.Printf("Checking key store %s\n", cfg.Dictionary.StoreFile)
		res, err = eng.CheckKeysFast(ctx, sess, mfclassic.ChkKeysRequest{
			SectorCount: sectors,
			FirstChunk:  res == nil,
			LastChunk:   true,
			UseStore:    true,
			Store:       mfclassic.FileKeyStore{Path: cfg.Dictionary.StoreFile},
			Emulator:    emu,
			OnFound:     onFound,
		})
		if err != nil {
			bar.finish()
			exitSearch(res, err)
		}
	}
	bar.finish()
	if res == nil {
		log.Fatalf("dictionary is empty and no key store is configured")
	}

	table := res.Table
	if table == nil {
		table = sess.Results.Clone()
	}
	fmt.Println()
	mfclassic.PrintResultTable(os.Stdout, table)

	if img != nil {
		if !res.Staged {
			mfclassic.StageKeys(img, table, sectors)
			for _, kt := range []mfclassic.KeyType{mfclassic.KeyA, mfclassic.KeyB} {
				if err := eng.LoadCardIntoEmulator(img, sectors, kt); err != nil {
					slog.Warn("emulator load incomplete", "key_type", kt.String(), "error", err)
				}
			}
		}
		if err := writeImage(dumpPath, img, sectors); err != nil {
			log.Fatalf("write dump failed: %v", err)
		}
		fmt.Printf("Card image written to %s\n", dumpPath)
	}
}

// exitSearch reports a failed or cancelled search and exits.
func exitSearch(res *mfclassic.ChkKeysResult, err error) {
	if errors.Is(err, mfclassic.ErrCancelled) && res != nil && res.Table != nil {
		fmt.Println()
		fmt.Println("Search cancelled, keys found so far:")
		mfclassic.PrintResultTable(os.Stdout, res.Table)
		os.Exit(1)
	}
	log.Fatalf("key check failed (%s): %v", mfclassic.StatusOf(err), err)
}

func runSingle(ctx context.Context, configPath string, block uint8, kt mfclassic.KeyType) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	keys, err := loadDictionary(cfg.Dictionary)
	if err != nil {
		log.Fatalf("dictionary load failed: %v", err)
	}

	conn := openReader(cfg.Runtime)
	defer conn.Close()
	eng := mfclassic.NewEngine(mfclassic.NewPCSCReader(conn), mfclassic.NewWallClock(), nil)

	fmt.Printf("Checking %d keys on block %d key %s\n", len(keys), block, kt)
	res, err := eng.CheckKey(ctx, mfclassic.CheckKeyRequest{Block: block, KeyType: kt, ClearTrace: true, Keys: keys})
	if err != nil {
		log.Fatalf("key check failed (%s): %v", mfclassic.StatusOf(err), err)
	}
	if !res.Found {
		fmt.Println("No valid key found")
		os.Exit(1)
	}
	fmt.Printf("Found valid key: %s\n", res.Key)

	data, err := eng.ReadBlockWithKey(block, kt, res.Key)
	if err != nil {
		slog.Debug("read with found key failed", "block", block, "error", err)
		return
	}
	fmt.Printf("Block %3d: %s\n", block, strings.ToUpper(fmt.Sprintf("%x", data)))
}

func runDiagnostics(ctx context.Context, configPath string) {
	cfg, err := config.LoadWithMode(configPath, config.ValidationDiag)
	if err != nil {
		log.Fatalf("config load failed (diag mode): %v", err)
	}
	key, err := mfclassic.ParseKey(cfg.Diag.Key)
	if err != nil {
		log.Fatalf("diag key invalid: %v", err)
	}

	conn := openReader(cfg.Runtime)
	defer conn.Close()
	eng := mfclassic.NewEngine(mfclassic.NewPCSCReader(conn), mfclassic.NewWallClock(), nil)

	fmt.Printf("Running auth diagnostics on reader [%d]: %s\n", conn.ReaderIdx, conn.Reader)
	results, err := eng.DiagnoseKeys(ctx, key, *cfg.Card.Sectors)
	if err != nil {
		log.Fatalf("diagnostics failed: %v", err)
	}
	mfclassic.PrintSlotResults(os.Stdout, key, results)

	matches := 0
	for _, r := range results {
		if r.Success {
			matches++
			continue
		}
		if step, blk, kt, ok := mfclassic.ClassifyAuthError(r.Err); ok {
			slog.Debug("slot failed", "sector", r.Sector, "key_type", kt.String(), "block", blk, "step", step)
		}
	}
	fmt.Printf("matches=%d of %d slots\n", matches, len(results))
}

func runNested(ctx context.Context, configPath string) {
	cfg, err := config.LoadWithMode(configPath, config.ValidationNested)
	if err != nil {
		log.Fatalf("config load failed (nested mode): %v", err)
	}
	n := cfg.Nested
	knownKey, err := mfclassic.ParseKey(n.KnownKey)
	if err != nil {
		log.Fatalf("known key invalid: %v", err)
	}
	knownType, _ := mfclassic.ParseKeyType(n.KnownKeyType)
	targetType, _ := mfclassic.ParseKeyType(n.TargetKeyType)

	conn := openReader(cfg.Runtime)
	defer conn.Close()
	rd := mfclassic.NewPCSCReader(conn)
	if err := requireNonceReader(rd, conn.Reader); err != nil {
		log.Fatalf("nested mode unavailable: %v", err)
	}
	eng := mfclassic.NewEngine(rd, mfclassic.NewWallClock(), nil)

	res, err := eng.Nested(ctx, mfclassic.NewSession(), mfclassic.NestedRequest{
		Known:         mfclassic.KeyRef{Block: uint8(*n.KnownBlock), KeyType: knownType, Key: knownKey},
		TargetBlock:   uint8(*n.TargetBlock),
		TargetKeyType: targetType,
		Calibrate:     true,
		Slow:          n.Slow,
	})
	if err != nil {
		log.Fatalf("nested failed (%s): %v", mfclassic.StatusOf(err), err)
	}

	fmt.Printf("CUID:    %08X\n", res.CUID)
	fmt.Printf("Target:  block %d key %s\n", res.TargetBlock, res.TargetKeyType)
	fmt.Printf("Window:  %s\n", res.Window)
	for i, s := range res.Samples {
		fmt.Printf("Nonce %d: nt=%08X ks=%08X distance=%d\n", i, s.Nonce, s.Keystream, s.Distance)
	}
	arg, payload := mfclassic.EncodeNestedReply(res)
	fmt.Printf("Reply:   %X % X\n", arg, payload)
}

// requireNonceReader fails for readers that run Crypto-1 themselves and so
// never expose tag nonces.
func requireNonceReader(rd mfclassic.Reader, name string) error {
	if _, ok := rd.(mfclassic.NonceReader); !ok {
		return fmt.Errorf("reader %q: %w", name, mfclassic.ErrNestedUnsupported)
	}
	return nil
}

func loadDictionary(d config.DictionaryConfig) ([]mfclassic.Key, error) {
	var keys []mfclassic.Key
	if !d.SkipDefaults {
		keys = append(keys, mfclassic.DefaultKeys...)
	}
	for _, f := range d.Files {
		k, err := mfclassic.LoadDictionaryFile(f)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k...)
	}
	if d.Dir != "" {
		k, err := mfclassic.LoadDictionaryDir(d.Dir)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k...)
	}
	return mfclassic.DedupKeys(keys), nil
}

func openReader(rt config.RuntimeConfig) *mfclassic.Connection {
	idx := 0
	if rt.ReaderIndex != nil {
		idx = *rt.ReaderIndex
	}
	if rt.SelectReader {
		readers, err := mfclassic.ListReaders()
		if err != nil {
			log.Fatal(err)
		}
		if idx, err = selectReader(readers); err != nil {
			log.Fatalf("reader selection failed: %v", err)
		}
	}

	conn, err := mfclassic.Connect(idx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Using reader [%d]: %s\n", conn.ReaderIdx, conn.Reader)
	return conn
}

func writeImage(path string, img *mfclassic.MemoryImage, sectors int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := img.WriteTo(f, sectors); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func defaultConfigPath() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", err
	}
	exeConfigPath := filepath.Join(filepath.Dir(exePath), configFileName)
	if fileExists(exeConfigPath) {
		return exeConfigPath, nil
	}

	// Fallback for `go run`, where the executable is placed in a temp directory.
	cwd, err := os.Getwd()
	if err != nil {
		return exeConfigPath, nil
	}
	cwdConfigPath := filepath.Join(cwd, configFileName)
	if fileExists(cwdConfigPath) {
		return cwdConfigPath, nil
	}
	return exeConfigPath, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
