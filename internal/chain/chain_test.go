package chain

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "stakebot/pkg/logx"
)

func loginTypedData(consumer string, ts int64) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {{Name: "name", Type: "string"}, {Name: "chainId", Type: "uint256"}},
			"messageType":  {{Name: "consumer", Type: "address"}, {Name: "timestamp", Type: "uint256"}},
		},
		PrimaryType: "messageType",
		Domain:      apitypes.TypedDataDomain{Name: "Subquery", ChainId: math.NewHexOrDecimal256(137)},
		Message:     apitypes.TypedDataMessage{"consumer": consumer, "timestamp": big.NewInt(ts)},
	}
}

func TestSignTypedDataRecovers(t *testing.T) {
	t.Parallel()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := NewKeySigner(hexutil.Encode(crypto.FromECDSA(key)))
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), s.Address())

	td := loginTypedData(s.Address(), 1714564800000)
	sig, err := s.SignTypedData(td)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	require.Contains(t, []byte{27, 28}, sig[64])

	got, err := RecoverTypedData(td, sig)
	require.NoError(t, err)
	require.Equal(t, s.Address(), got)

	other := loginTypedData(s.Address(), 1714564800001)
	got, err = RecoverTypedData(other, sig)
	require.NoError(t, err)
	require.NotEqual(t, s.Address(), got)
}

func TestNewKeySignerFromEnv(t *testing.T) {
	_, err := NewKeySignerFromEnv("")
	require.ErrorIs(t, err, ErrNoKey)

	t.Setenv("STAKEBOT_TEST_KEY", "")
	_, err = NewKeySignerFromEnv("STAKEBOT_TEST_KEY")
	require.ErrorIs(t, err, ErrNoKey)

	t.Setenv("STAKEBOT_TEST_KEY", "not-hex")
	_, err = NewKeySignerFromEnv("STAKEBOT_TEST_KEY")
	require.Error(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	t.Setenv("STAKEBOT_TEST_KEY", hexutil.Encode(crypto.FromECDSA(key)))
	s, err := NewKeySignerFromEnv("STAKEBOT_TEST_KEY")
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), s.Address())
}

func fakeRPC(t *testing.T, results map[string]string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		res, ok := results[req.Method]
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"error":{"code":-32601,"message":"method not found"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":"` + res + `"}`))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestBalanceAndChainID(t *testing.T) {
	t.Parallel()
	url := fakeRPC(t, map[string]string{
		"eth_getBalance": "0xde0b6b3a7640000",
		"eth_chainId":    "0x89",
	})
	c, err := Dial(context.Background(), Config{RPCURL: url, ChainID: 137, Timeout: time.Second}, logx.Nop())
	require.NoError(t, err)
	defer c.Close()

	bal, err := c.BalanceAt(context.Background(), "0x00000000000000000000000000000000000000aa")
	require.NoError(t, err)
	require.Equal(t, "1000000000000000000", bal.String())

	_, err = c.BalanceAt(context.Background(), "nope")
	require.Error(t, err)

	require.NoError(t, c.VerifyChainID(context.Background()))
}

func TestVerifyChainIDMismatch(t *testing.T) {
	t.Parallel()
	url := fakeRPC(t, map[string]string{"eth_chainId": "0x1"})
	c, err := Dial(context.Background(), Config{RPCURL: url, ChainID: 137}, logx.Nop())
	require.NoError(t, err)
	defer c.Close()
	require.ErrorContains(t, c.VerifyChainID(context.Background()), "chain id 1")
}
