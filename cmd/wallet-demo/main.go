package main

import (
	"time"

	"fastnear.io/wallet-adapter/internal/config"
	"fastnear.io/wallet-adapter/internal/connector"
	"fastnear.io/wallet-adapter/internal/http"
	"fastnear.io/wallet-adapter/internal/logoutbridge"
	"fastnear.io/wallet-adapter/internal/polling"
	"fastnear.io/wallet-adapter/internal/remotewallet"
	"fastnear.io/wallet-adapter/internal/rpc"
	"fastnear.io/wallet-adapter/internal/session"
	"fastnear.io/wallet-adapter/internal/storage"
	"fastnear.io/wallet-adapter/internal/txsigner"
	"fastnear.io/wallet-adapter/pkg/errors"
	"fastnear.io/wallet-adapter/pkg/log"
)

func main() {
	log.Infof("Starting app")
	startApp()
}

func startApp() {
	defer func() {
		if i := recover(); i != nil {
			log.Fatal(errors.ErrorfAndReport("%v", i))
		}
	}()
	log.SetLevel(0)
	config.Read()
	if config.Global.SentryDSN != "" {
		if err := errors.NewSentryReporter(config.Global.SentryDSN); err != nil {
			log.Error(err)
		}
	}
	if config.Global.LarkAlarmWebhook != "" {
		errors.NewLarkReporter(config.Global.LarkAlarmWebhook, time.Minute)
	}

	var store storage.Store = storage.NewMemoryStore()
	if config.Global.RedisCredential.Address != "" {
		redisStore, err := storage.NewRedisStore(&config.Global.RedisCredential, "wallet_adapter")
		if err != nil {
			log.Fatal(err)
		}
		store = redisStore
	}

	sessions := session.NewStore(store, config.Global.PopupWallet.AppKeyPrefix)
	rpcFactory := rpc.NewFactory(config.Global.RpcURLs)

	pollOpts := polling.DefaultOptions()
	if config.Global.Polling.DelayMs > 0 {
		pollOpts.Delay = time.Duration(config.Global.Polling.DelayMs) * time.Millisecond
	}
	if config.Global.Polling.MaxIterations > 0 {
		pollOpts.MaxIterations = config.Global.Polling.MaxIterations
	}
	if config.Global.Polling.RequestTimeoutMs > 0 {
		pollOpts.RequestTimeout = time.Duration(config.Global.Polling.RequestTimeoutMs) * time.Millisecond
	}
	if config.Global.Polling.RequestCallTimeoutMs > 0 {
		pollOpts.RequestCallTimeout = time.Duration(config.Global.Polling.RequestCallTimeoutMs) * time.Millisecond
	}

	signer := txsigner.New(txsigner.Options{
		Session:    sessions,
		RpcFactory: rpcFactory,
		Storage:    store,
		Prefix:     config.Global.PopupWallet.AppKeyPrefix,
	})

	bridgeManager := logoutbridge.NewManager(nil)
	var bridgeHTTP *logoutbridge.HTTPClient
	if config.Global.LogoutBridge.ServiceURL != "" {
		bridgeHTTP = logoutbridge.NewHTTPClient(config.Global.LogoutBridge.ServiceURL)
	}

	conn := connector.New(connector.Options{
		Storage:       store,
		Session:       sessions,
		Prefix:        config.Global.PopupWallet.AppKeyPrefix,
		BridgeURL:     config.Global.LogoutBridge.ServiceURL,
		BridgeHTTP:    bridgeHTTP,
		BridgeManager: bridgeManager,
		Signer:        signer,
	})
	conn.Register("remote", remotewallet.New(remotewallet.Options{
		BackendURL:   config.Global.RemoteWallet.SignerBackendURL,
		DeepLinkBase: config.Global.RemoteWallet.WalletDeepLink,
		Metadata: remotewallet.DAppMetadata{
			Name:    config.Global.RemoteWallet.Metadata.Name,
			LogoURL: config.Global.RemoteWallet.Metadata.LogoURL,
			URL:     config.Global.RemoteWallet.Metadata.URL,
		},
		Session:    sessions,
		RpcFactory: rpcFactory,
		Polling:    pollOpts,
	}))

	http.NewServer(conn, config.Global.ListenAddr)
}
