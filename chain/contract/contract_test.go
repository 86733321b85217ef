package contract

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/chainpulse/errors"
)

const poolABI = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getReserves","stateMutability":"view","inputs":[],"outputs":[
		{"name":"reserve0","type":"uint112"},{"name":"reserve1","type":"uint112"},{"name":"blockTimestampLast","type":"uint32"}]},
	{"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"owner","type":"address"}]},
	{"type":"function","name":"pair","stateMutability":"pure","inputs":[],"outputs":[{"name":"","type":"address"},{"name":"","type":"bool"}]},
	{"type":"function","name":"setFee","stateMutability":"nonpayable","inputs":[{"name":"fee","type":"uint24"},{"name":"flags","type":"bytes4"}],"outputs":[]},
	{"type":"function","name":"swap","stateMutability":"nonpayable","inputs":[
		{"name":"params","type":"tuple","components":[{"name":"tokenIn","type":"address"},{"name":"amountIn","type":"uint256"}]},
		{"name":"path","type":"address[]"}],"outputs":[]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"bool"}]}
]`

const (
	checksummed = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	vitalik     = "0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045"
)

func parsePool(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := ParseABI(json.RawMessage(poolABI))
	require.NoError(t, err)
	return parsed
}

func TestParseABI_Forms(t *testing.T) {
	fragment := `{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}`

	a, err := ParseABI(json.RawMessage(fragment))
	require.NoError(t, err)
	_, err = FindMethod(a, "decimals")
	require.NoError(t, err)

	quoted, _ := json.Marshal(poolABI)
	a, err = ParseABI(quoted)
	require.NoError(t, err)
	_, err = FindMethod(a, "getReserves")
	require.NoError(t, err)

	_, err = ParseABI(nil)
	assert.Error(t, err)
	_, err = ParseABI(json.RawMessage(`[{"type":"function","name":`))
	assert.Error(t, err)
}

func TestFindMethod(t *testing.T) {
	a := parsePool(t)

	m, err := FindMethod(a, "balanceOf")
	require.NoError(t, err)
	assert.True(t, IsReadOnly(m))

	m, err = FindMethod(a, "setFee")
	require.NoError(t, err)
	assert.False(t, IsReadOnly(m))

	_, err = FindMethod(a, "approve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")

	m, err = FindMethod(a, "approve(address, uint256)")
	require.NoError(t, err)
	assert.Len(t, m.Inputs, 2)

	_, err = FindMethod(a, "mint")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestValidAddress(t *testing.T) {
	assert.True(t, ValidAddress(checksummed))
	assert.True(t, ValidAddress("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"))
	assert.True(t, ValidAddress("0x5AAEB6053F3E94C9B9A09F33669435E7EF1BEAED"))
	assert.False(t, ValidAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAeD"), "bad checksum")
	assert.False(t, ValidAddress("0x1234"))
	assert.False(t, ValidAddress("not-an-address"))
}

func TestParseAddress(t *testing.T) {
	_, err := ParseAddress("to", "")
	require.Error(t, err)
	assert.Equal(t, "to", errors.FieldOf(err))

	addr, err := ParseAddress("to", vitalik)
	require.NoError(t, err)
	assert.Equal(t, vitalik, addr.Hex())
}

func TestCoerceArgsAndPack(t *testing.T) {
	a := parsePool(t)

	m, err := FindMethod(a, "balanceOf")
	require.NoError(t, err)
	values, err := DecodeArgs(json.RawMessage(`["` + vitalik + `"]`))
	require.NoError(t, err)
	args, err := CoerceArgs(m, values, "args")
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(vitalik), args[0])

	data, err := Pack(m, args)
	require.NoError(t, err)
	assert.Equal(t, m.ID, data[:4])
	assert.Len(t, data, 4+32)

	m, err = FindMethod(a, "setFee")
	require.NoError(t, err)
	values, err = DecodeArgs(json.RawMessage(`[3000, "0xdeadbeef"]`))
	require.NoError(t, err)
	args, err = CoerceArgs(m, values, "args")
	require.NoError(t, err)
	assert.IsType(t, &big.Int{}, args[0])
	assert.Equal(t, [4]byte{0xde, 0xad, 0xbe, 0xef}, args[1])
	_, err = Pack(m, args)
	require.NoError(t, err)

	m, err = FindMethod(a, "swap")
	require.NoError(t, err)
	values, err = DecodeArgs(json.RawMessage(`[{"tokenIn":"` + vitalik + `","amountIn":"1000000000000000000"},["` + checksummed + `"]]`))
	require.NoError(t, err)
	args, err = CoerceArgs(m, values, "args")
	require.NoError(t, err)
	_, err = Pack(m, args)
	require.NoError(t, err)
}

func TestCoerceArgs_Errors(t *testing.T) {
	a := parsePool(t)
	m, err := FindMethod(a, "setFee")
	require.NoError(t, err)

	tests := []struct {
		name  string
		args  string
		field string
	}{
		{"arity", `[1]`, "args"},
		{"overflow uint24", `[16777216, "0x00000000"]`, "args[0]"},
		{"negative uint", `["-1", "0x00000000"]`, "args[0]"},
		{"wrong bytes4 length", `[1, "0xdead"]`, "args[1]"},
		{"fraction", `[1.5, "0x00000000"]`, "args[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values, err := DecodeArgs(json.RawMessage(tt.args))
			require.NoError(t, err)
			_, err = CoerceArgs(m, values, "args")
			require.Error(t, err)
			assert.Equal(t, tt.field, errors.FieldOf(err))
		})
	}
}

func TestDecode_Shapes(t *testing.T) {
	a := parsePool(t)

	t.Run("single unnamed output is bare", func(t *testing.T) {
		m, _ := FindMethod(a, "balanceOf")
		data, err := m.Outputs.Pack(big.NewInt(42))
		require.NoError(t, err)
		v, err := Decode(m, data)
		require.NoError(t, err)
		assert.Equal(t, "42", v)
	})

	t.Run("single named output is a map", func(t *testing.T) {
		m, _ := FindMethod(a, "owner")
		data, err := m.Outputs.Pack(common.HexToAddress(vitalik))
		require.NoError(t, err)
		v, err := Decode(m, data)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"owner": vitalik}, v)
	})

	t.Run("multiple named outputs", func(t *testing.T) {
		m, _ := FindMethod(a, "getReserves")
		data, err := m.Outputs.Pack(big.NewInt(10), big.NewInt(20), uint32(1700000000))
		require.NoError(t, err)
		v, err := Decode(m, data)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{
			"reserve0":           "10",
			"reserve1":           "20",
			"blockTimestampLast": "1700000000",
		}, v)
	})

	t.Run("multiple unnamed outputs are a list", func(t *testing.T) {
		m, _ := FindMethod(a, "pair")
		data, err := m.Outputs.Pack(common.HexToAddress(vitalik), true)
		require.NoError(t, err)
		v, err := Decode(m, data)
		require.NoError(t, err)
		assert.Equal(t, []any{vitalik, true}, v)
	})

	t.Run("malformed return data", func(t *testing.T) {
		m, _ := FindMethod(a, "balanceOf")
		_, err := Decode(m, []byte{0x01})
		assert.Error(t, err)
	})
}

func TestERC20(t *testing.T) {
	for _, name := range []string{"balanceOf", "decimals", "symbol", "transfer"} {
		_, err := FindMethod(ERC20, name)
		assert.NoError(t, err, name)
	}
}
