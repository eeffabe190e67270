package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"go.uber.org/zap"

	"bptdb/src/engine"
	"bptdb/src/settings"
)

// printUsage prints helpful usage information
func printUsage() {
	log.Println("bptdb - a disk-based B+ tree storage engine")
	log.Println("\nUsage:")
	log.Println("  bptdb [options]")
	log.Println("\nOptions:")
	flag.PrintDefaults()

	log.Println("\nShell commands:")
	log.Println("  n <frames>              initialize the engine")
	log.Println("  o <path>                open or create a table, prints its id")
	log.Println("  i <tid> <key> <value>   insert a record")
	log.Println("  f <tid> <key>           find a record")
	log.Println("  d <tid> <key>           delete a record")
	log.Println("  b                       begin a transaction, prints its id")
	log.Println("  u <tid> <key> <value> <trx>  transactional update")
	log.Println("  e <trx>                 commit a transaction")
	log.Println("  j <tid1> <tid2> <path>  equi-join two tables into a file")
	log.Println("  c <tid>                 close a table")
	log.Println("  p                       print buffer pool stats")
	log.Println("  s                       shut the engine down")
	log.Println("  q                       quit")
}

func main() {
	args := settings.GetSettings()

	// Parse flags into a scratch copy so the config file can be layered
	// underneath them: defaults, then file values, then explicit flags.
	flagArgs := *args
	flag.StringVar(&flagArgs.DataDir, "datadir", args.DataDir, "Directory to store data files")
	flag.StringVar(&flagArgs.ConfigFile, "config", "", "Path to YAML config file")
	flag.IntVar(&flagArgs.BufferSize, "buffersize", args.BufferSize, "Number of buffer pool frames")
	flag.BoolVar(&flagArgs.Verbose, "verbose", args.Verbose, "Enable verbose logging")
	flag.BoolVar(&flagArgs.Debug, "debug", args.Debug, "Enable debug mode")
	flag.Parse()

	if flagArgs.ConfigFile != "" {
		args.ConfigFile = flagArgs.ConfigFile
		if err := settings.LoadConfigFile(flagArgs.ConfigFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n\n", err)
			printUsage()
			os.Exit(1)
		}
	}

	// Explicitly set flags win over config file values.
	flag.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "datadir":
			args.DataDir = flagArgs.DataDir
		case "buffersize":
			args.BufferSize = flagArgs.BufferSize
		case "verbose":
			args.Verbose = flagArgs.Verbose
		case "debug":
			args.Debug = flagArgs.Debug
		}
	})

	logger, err := buildLogger(args)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	sugar.Infof("bptdb %s starting", args.Version)

	if err := os.MkdirAll(args.DataDir, 0755); err != nil {
		sugar.Fatalf("Failed to create data directory: %v", err)
	}

	runShell(sugar, args)
}

func buildLogger(args *settings.Arguments) (*zap.Logger, error) {
	if args.Debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	if !args.Verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	return cfg.Build()
}

// runShell is a thin dispatcher over the engine's public entry points.
func runShell(sugar *zap.SugaredLogger, args *settings.Arguments) {
	var eng *engine.Engine
	scanner := bufio.NewScanner(os.Stdin)

	fmt.Print("> ")
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			fmt.Print("> ")
			continue
		}

		cmd := fields[0]
		if cmd == "q" {
			break
		}
		if cmd == "n" {
			frames := args.BufferSize
			if len(fields) > 1 {
				fmt.Sscanf(fields[1], "%d", &frames)
			}
			var err error
			eng, err = engine.InitDB(frames, sugar)
			if err != nil {
				fmt.Printf("error: %v\n", err)
			}
			fmt.Print("> ")
			continue
		}
		if eng == nil {
			fmt.Println("engine not initialized; run: n <frames>")
			fmt.Print("> ")
			continue
		}
		if cmd == "s" {
			report(eng.Shutdown())
			eng = nil
			fmt.Print("> ")
			continue
		}

		dispatch(eng, cmd, fields[1:])
		fmt.Print("> ")
	}

	if eng != nil {
		if err := eng.Shutdown(); err != nil {
			sugar.Warnf("Shutdown failed: %v", err)
		}
	}
}

func dispatch(eng *engine.Engine, cmd string, args []string) {
	var key int64
	var tableID, other, trx int

	switch cmd {
	case "o":
		if len(args) < 1 {
			fmt.Println("usage: o <path>")
			return
		}
		id, err := eng.OpenTable(args[0])
		report(err)
		if err == nil {
			fmt.Printf("table id: %d\n", id)
		}
	case "i":
		if len(args) < 3 {
			fmt.Println("usage: i <tid> <key> <value>")
			return
		}
		fmt.Sscanf(args[0], "%d", &tableID)
		fmt.Sscanf(args[1], "%d", &key)
		report(eng.Insert(tableID, key, args[2]))
	case "f":
		if len(args) < 2 {
			fmt.Println("usage: f <tid> <key>")
			return
		}
		fmt.Sscanf(args[0], "%d", &tableID)
		fmt.Sscanf(args[1], "%d", &key)
		value, err := eng.Find(tableID, key)
		report(err)
		if err == nil {
			fmt.Printf("value: %s\n", value)
		}
	case "d":
		if len(args) < 2 {
			fmt.Println("usage: d <tid> <key>")
			return
		}
		fmt.Sscanf(args[0], "%d", &tableID)
		fmt.Sscanf(args[1], "%d", &key)
		report(eng.Delete(tableID, key))
	case "b":
		fmt.Printf("trx id: %d\n", eng.BeginTrx())
	case "u":
		if len(args) < 4 {
			fmt.Println("usage: u <tid> <key> <value> <trx>")
			return
		}
		fmt.Sscanf(args[0], "%d", &tableID)
		fmt.Sscanf(args[1], "%d", &key)
		fmt.Sscanf(args[3], "%d", &trx)
		report(eng.UpdateTrx(tableID, key, args[2], trx))
	case "e":
		if len(args) < 1 {
			fmt.Println("usage: e <trx>")
			return
		}
		fmt.Sscanf(args[0], "%d", &trx)
		report(eng.EndTrx(trx))
	case "j":
		if len(args) < 3 {
			fmt.Println("usage: j <tid1> <tid2> <path>")
			return
		}
		fmt.Sscanf(args[0], "%d", &tableID)
		fmt.Sscanf(args[1], "%d", &other)
		report(eng.JoinTable(tableID, other, args[2]))
	case "c":
		if len(args) < 1 {
			fmt.Println("usage: c <tid>")
			return
		}
		fmt.Sscanf(args[0], "%d", &tableID)
		report(eng.CloseTable(tableID))
	case "p":
		stats := eng.PoolStats()
		fmt.Printf("frames=%d used=%d dirty=%d hits=%d misses=%d evictions=%d\n",
			stats.Frames, stats.Used, stats.Dirty, stats.Hits, stats.Misses, stats.Evictions)
	default:
		fmt.Printf("unknown command %q\n", cmd)
	}
}

func report(err error) {
	code := engine.StatusCode(err)
	if err != nil {
		fmt.Printf("result: %d (%v)\n", code, err)
	} else {
		fmt.Printf("result: %d\n", code)
	}
}
