package router_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/budyz/nft-gateway/cmd/gateway/internal/router"
	"github.com/budyz/nft-gateway/gateway"
	"github.com/budyz/nft-gateway/supply"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func Test_RegisterWithoutProcessInterval(t *testing.T) {
	assertions := assert.New(t)

	options := badger.
		DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil)
	db, err := badger.Open(options)
	assertions.Nil(err, "failed to open database")
	t.Cleanup(func() { db.Close() })

	ledger, err := supply.New(supply.Config{DB: db, MaxUnits: 5})
	assertions.Nil(err, "failed to create ledger")

	gin.SetMode(gin.TestMode)
	e := gin.New()
	r := router.Router{
		Gateway:       gateway.New(gateway.Config{DB: db, Ledger: ledger}),
		MaxPerRequest: 10,
		Base:          e.Group("/api"),
	}
	// A zero interval falls back to the default instead of panicking
	// the ticker
	r.Register()

	res := httptest.NewRecorder()
	e.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/supply", nil))
	assertions.Equal(http.StatusOK, res.Code)
	assertions.Contains(res.Body.String(), `"remaining":5`)
	assertions.Contains(res.Body.String(), `"maxPerRequest":5`)
}
