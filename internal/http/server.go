package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"fastnear.io/wallet-adapter/internal/connector"
	"fastnear.io/wallet-adapter/internal/remotewallet"
	"fastnear.io/wallet-adapter/internal/wallet"
	"fastnear.io/wallet-adapter/pkg/errors"
	"fastnear.io/wallet-adapter/pkg/log"
)

// NewServer runs the demo REST surface over the connector. It blocks.
func NewServer(conn *connector.Connector, listenAddr string) {
	router := gin.Default()
	router.Use(gin.Recovery())

	router.GET("/hello", func(ctx *gin.Context) {
		ctx.JSONP(http.StatusOK, map[string]interface{}{
			"hello": "wallet",
		})
	})

	router.POST("/wallet/connect", func(ctx *gin.Context) {
		var req struct {
			WalletID    string   `json:"walletId"`
			Network     string   `json:"network"`
			ContractID  string   `json:"contractId"`
			MethodNames []string `json:"methodNames"`
		}
		if err := ctx.ShouldBindJSON(&req); err != nil {
			writeError(ctx, errors.TransportWithCause("INVALID_REQUEST", "malformed connect request", err))
			return
		}
		network, err := wallet.EnsureNetwork(req.Network)
		if err != nil {
			writeError(ctx, err)
			return
		}
		record, err := conn.Connect(ctx.Request.Context(), req.WalletID, wallet.SignInParams{
			Network:     network,
			ContractID:  req.ContractID,
			MethodNames: req.MethodNames,
		})
		if err != nil {
			writeError(ctx, err)
			return
		}
		ctx.JSONP(http.StatusOK, map[string]interface{}{
			"accounts": record.Accounts,
			"network":  record.Network,
		})
	})

	router.POST("/wallet/disconnect", func(ctx *gin.Context) {
		if err := conn.Disconnect(ctx.Request.Context()); err != nil {
			writeError(ctx, err)
			return
		}
		ctx.JSONP(http.StatusOK, map[string]interface{}{"success": true})
	})

	router.GET("/wallet/accounts", func(ctx *gin.Context) {
		accounts, err := conn.Accounts(ctx.Request.Context())
		if err != nil {
			writeError(ctx, err)
			return
		}
		ctx.JSONP(http.StatusOK, map[string]interface{}{"accounts": accounts})
	})

	router.POST("/wallet/restore", func(ctx *gin.Context) {
		record, err := conn.Restore(ctx.Request.Context())
		if err != nil {
			writeError(ctx, err)
			return
		}
		if record == nil {
			ctx.JSONP(http.StatusOK, map[string]interface{}{"connected": false})
			return
		}
		ctx.JSONP(http.StatusOK, map[string]interface{}{
			"connected": true,
			"accounts":  record.Accounts,
			"network":   record.Network,
		})
	})

	router.POST("/wallet/sign_message", func(ctx *gin.Context) {
		var req struct {
			Message     string `json:"message"`
			Nonce       []byte `json:"nonce"`
			Recipient   string `json:"recipient"`
			CallbackURL string `json:"callbackUrl"`
			State       string `json:"state"`
		}
		if err := ctx.ShouldBindJSON(&req); err != nil {
			writeError(ctx, errors.TransportWithCause("INVALID_REQUEST", "malformed sign message request", err))
			return
		}
		signed, err := conn.SignMessage(ctx.Request.Context(), wallet.SignMessageParams{
			Message:     req.Message,
			Nonce:       req.Nonce,
			Recipient:   req.Recipient,
			CallbackURL: req.CallbackURL,
			State:       req.State,
		})
		if err != nil {
			writeError(ctx, err)
			return
		}
		ctx.JSONP(http.StatusOK, signed)
	})

	router.POST("/wallet/transactions", func(ctx *gin.Context) {
		var req struct {
			Transactions []wallet.Transaction `json:"transactions"`
		}
		if err := ctx.ShouldBindJSON(&req); err != nil {
			writeError(ctx, errors.TransportWithCause("INVALID_REQUEST", "malformed transactions request", err))
			return
		}
		outcomes, err := conn.SignAndSendTransactions(ctx.Request.Context(), req.Transactions)
		if err != nil {
			writeError(ctx, err)
			return
		}
		ctx.JSONP(http.StatusOK, map[string]interface{}{"outcomes": outcomes})
	})

	router.GET("/wallet/qr", func(ctx *gin.Context) {
		link := ctx.Query("link")
		png, err := remotewallet.DeepLinkQR(link, 256)
		if err != nil {
			writeError(ctx, err)
			return
		}
		ctx.Data(http.StatusOK, "image/png", png)
	})

	if listenAddr == "" {
		listenAddr = ":8080"
	}
	if err := router.Run(listenAddr); err != nil {
		log.Fatal(err)
	}
}

func writeError(ctx *gin.Context, err error) {
	status := http.StatusBadGateway
	if errors.IsUserRejected(err) {
		status = http.StatusConflict
	} else if errors.Code(err) == "INVALID_REQUEST" || errors.Code(err) == "INVALID_NETWORK" {
		status = http.StatusBadRequest
	}
	log.Debugf("http - %v %v failed: %v", ctx.Request.Method, ctx.Request.URL.Path, err)
	ctx.JSONP(status, map[string]interface{}{
		"error": err.Error(),
		"code":  errors.Code(err),
	})
}
