package substrateManager

import (
	"fmt"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
)

// DecodeCall extracts the runtime call from a hex encoded extrinsic. Any signature
// already attached is dropped.
func DecodeCall(extrinsicHex string) (types.Call, error) {
	var ext types.Extrinsic
	if err := codec.DecodeFromHex(extrinsicHex, &ext); err != nil {
		return types.Call{}, fmt.Errorf("failed to decode extrinsic: %w", err)
	}
	return ext.Method, nil
}

// EncodeUnsigned returns the hex encoding of call as an unsigned extrinsic.
func EncodeUnsigned(call types.Call) (string, error) {
	return codec.EncodeToHex(types.NewExtrinsic(call))
}
