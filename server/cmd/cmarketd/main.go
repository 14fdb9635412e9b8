// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"cyclesmarket.org/cmarket/cm"
	"cyclesmarket.org/cmarket/cm/encode"
	"cyclesmarket.org/cmarket/platform"
	"cyclesmarket.org/cmarket/server/admin"
	"cyclesmarket.org/cmarket/server/bank"
	"cyclesmarket.org/cmarket/server/cmmain"
	"cyclesmarket.org/cmarket/server/logstore"
	"cyclesmarket.org/cmarket/server/tc"
)

// Native cycles endowments and memory allocations for the actors this
// process hosts. The coordinator's balance funds every trade contract and
// storage canister it creates.
const (
	ledgerMemoryMiB = 4096
	ledgerCycles    = 100_000_000_000_000
	coordMemoryMiB  = 4096
	coordCycles     = 2_000_000_000_000_000
)

// operatorPrincipal is the controller identity this process drives the
// management plane with.
var operatorPrincipal = cm.NewPrincipal([]byte("cmarketd-operator"))

func mainCore(ctx context.Context) error {
	// Parse the configuration file, and setup logger.
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Failed to load cmarketd config: %s\n", err.Error())
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Request admin server password if admin server is enabled and
	// server password is not set in config.
	var adminSrvAuthSHA [32]byte
	if cfg.AdminSrvOn {
		if len(cfg.AdminSrvPW) == 0 {
			adminSrvAuthSHA, err = admin.PasswordPrompt("Admin interface password: ")
			if err != nil {
				return fmt.Errorf("cannot use password: %v", err)
			}
		} else {
			adminSrvAuthSHA = sha256.Sum256(cfg.AdminSrvPW)
			encode.ClearBytes(cfg.AdminSrvPW)
		}
	}

	// Display app version.
	log.Infof("%s version %v (Go version %s)", AppName, Version(), runtime.Version())

	// The registry is the process-local management plane every actor is
	// installed on.
	regDataDir := cfg.DataDir
	storeDataDir := filepath.Join(cfg.DataDir, "logstore")
	if cfg.InMemory {
		regDataDir = ""
		storeDataDir = ""
	}
	reg := platform.NewRegistry(&platform.Config{
		DataDir:     regDataDir,
		Logger:      subLogger(cfg.LogMaker, "PLAT"),
		LoggerMaker: cfg.LogMaker,
	})

	// Register the code blobs. The ledger code serves both the cycles bank
	// and the hosted collaborator token ledgers.
	ledgerCode := reg.RegisterCode([]byte("cmarket/ledger/1"),
		func(env platform.Env, mode platform.InstallMode, initArg any) (platform.Actor, error) {
			bankCfg, ok := initArg.(*bank.Config)
			if !ok {
				return nil, fmt.Errorf("ledger install requires a *bank.Config")
			}
			return bank.New(env, bankCfg), nil
		})
	storageCode := reg.RegisterCode([]byte("cmarket/logstore/1"),
		func(env platform.Env, mode platform.InstallMode, initArg any) (platform.Actor, error) {
			quest, ok := initArg.(*logstore.InitQuest)
			if !ok {
				return nil, fmt.Errorf("log storage install requires a *logstore.InitQuest")
			}
			return logstore.New(env, quest)
		})
	tcCode := reg.RegisterCode([]byte("cmarket/tc/1"),
		func(env platform.Env, mode platform.InstallMode, initArg any) (platform.Actor, error) {
			quest, _ := initArg.(*tc.InitQuest)
			if quest == nil && mode == platform.Install {
				return nil, fmt.Errorf("trade contract install requires a *tc.InitQuest")
			}
			return tc.New(env, mode, quest)
		})
	cmCode := reg.RegisterCode([]byte("cmarket/cmmain/1"),
		func(env platform.Env, mode platform.InstallMode, initArg any) (platform.Actor, error) {
			quest, _ := initArg.(*cmmain.InitQuest)
			if quest == nil && mode == platform.Install {
				return nil, fmt.Errorf("coordinator install requires a *cmmain.InitQuest")
			}
			return cmmain.New(env, mode, quest)
		})

	// installLedger creates and installs one ICRC-1 ledger canister.
	installLedger := func(name, symbol string, decimals uint8, fee uint64) (cm.Principal, error) {
		id, err := reg.CreateCanister([]cm.Principal{operatorPrincipal}, ledgerMemoryMiB, ledgerCycles)
		if err != nil {
			return "", err
		}
		err = reg.InstallCode(operatorPrincipal, id, platform.Install, ledgerCode, &bank.Config{
			Name:        name,
			Symbol:      symbol,
			Decimals:    decimals,
			TransferFee: fee,
			// No reserve ledger collaborator runs in this process.
			MintingDisabled: true,
		})
		if err != nil {
			return "", err
		}
		return id, nil
	}

	// The cycles bank.
	bankID, err := installLedger(cfg.BankName, cfg.BankSymbol, cfg.BankDecimals, cfg.BankFee)
	if err != nil {
		return fmt.Errorf("cycles bank install: %v", err)
	}
	log.Infof("Cycles bank %s running as %s", cfg.BankSymbol, bankID)

	// The coordinator.
	cmID, err := reg.CreateCanister([]cm.Principal{operatorPrincipal}, coordMemoryMiB, coordCycles)
	if err != nil {
		return fmt.Errorf("coordinator canister: %v", err)
	}
	err = reg.InstallCode(operatorPrincipal, cmID, platform.Install, cmCode, &cmmain.InitQuest{
		Controller:           operatorPrincipal,
		CyclesBank:           bankID,
		TCCode:               tcCode,
		PositionsStorageCode: storageCode,
		TradesStorageCode:    storageCode,
		DataDir:              storeDataDir,
	})
	if err != nil {
		return fmt.Errorf("coordinator install: %v", err)
	}
	inst, err := reg.Instance(cmID)
	if err != nil {
		return err
	}
	coordinator := inst.(*cmmain.CM)
	log.Infof("Market coordinator running as %s", cmID)

	core := newMarketCore(ctx, reg, coordinator, operatorPrincipal)

	// Host the configured token ledgers and open a trade contract on each.
	for _, spec := range cfg.Tokens {
		ledgerID, err := installLedger(spec.Symbol, spec.Symbol, spec.Decimals, spec.TransferFee)
		if err != nil {
			return fmt.Errorf("token ledger %s install: %v", spec.Symbol, err)
		}
		tcID, err := core.CreateTradeContract(ledgerID)
		if err != nil {
			return fmt.Errorf("trade contract for %s: %v", spec.Symbol, err)
		}
		log.Infof("Trade contract %s open for token %s (ledger %s)", tcID, spec.Symbol, ledgerID)
	}

	var wg sync.WaitGroup
	if cfg.AdminSrvOn {
		srvCfg := &admin.SrvConfig{
			Core:    core,
			Addr:    cfg.AdminSrvAddr,
			AuthSHA: adminSrvAuthSHA,
			Cert:    cfg.Cert,
			Key:     cfg.Key,
			NoTLS:   cfg.AdminNoTLS,
		}
		adminServer, err := admin.NewServer(srvCfg)
		if err != nil {
			return fmt.Errorf("cannot set up admin server: %v", err)
		}
		wg.Add(1)
		go func() {
			adminServer.Run(ctx)
			wg.Done()
		}()
	}

	log.Info("The cycles market is running. Hit CTRL+C to quit...")
	<-ctx.Done()
	// Wait for the admin server and the trade contract loops to finish.
	wg.Wait()
	core.wait()

	log.Info("Bye!")

	return nil
}

func main() {
	// Create a context that is canceled when a shutdown request is received
	// via requestShutdown.
	ctx := withShutdownCancel(context.Background())
	// Listen for both interrupt signals (e.g. CTRL+C) and shutdown requests
	// (requestShutdown calls).
	go shutdownListener()

	err := mainCore(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}
