package substrateManager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	gsrpc "github.com/centrifuge/go-substrate-rpc-client/v4"
	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"github.com/vortex-ramp/ephemeral-signer/pkg/chainErrors"
)

// gsrpcClient adapts go-substrate-rpc-client to NodeClient. Node errors are
// classified here so callers never match on error text.
type gsrpcClient struct {
	api      *gsrpc.SubstrateAPI
	endpoint string
	meta     *types.Metadata
	genesis  types.Hash
}

// DialGsrpc opens a websocket connection and loads the metadata and genesis hash.
func DialGsrpc(ctx context.Context, endpoint string) (NodeClient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	api, err := gsrpc.NewSubstrateAPI(endpoint)
	if err != nil {
		return nil, err
	}
	meta, err := api.RPC.State.GetMetadataLatest()
	if err != nil {
		api.Client.Close()
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}
	genesis, err := api.RPC.Chain.GetBlockHash(0)
	if err != nil {
		api.Client.Close()
		return nil, fmt.Errorf("failed to load genesis hash: %w", err)
	}
	return &gsrpcClient{api: api, endpoint: endpoint, meta: meta, genesis: genesis}, nil
}

func (c *gsrpcClient) Metadata() *types.Metadata {
	return c.meta
}

func (c *gsrpcClient) RuntimeVersion(ctx context.Context) (*types.RuntimeVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rv, err := c.api.RPC.State.GetRuntimeVersionLatest()
	if err != nil {
		return nil, classifyNodeError(err)
	}
	return rv, nil
}

// rawProperties mirrors system_properties; tokenDecimals is a number or a list.
type rawProperties struct {
	SS58Format    *uint16         `json:"ss58Format"`
	TokenDecimals json.RawMessage `json:"tokenDecimals"`
}

func (c *gsrpcClient) Properties(ctx context.Context) (*ChainProperties, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var raw rawProperties
	if err := c.api.Client.Call(&raw, "system_properties"); err != nil {
		return nil, classifyNodeError(err)
	}
	return parseProperties(raw)
}

func parseProperties(raw rawProperties) (*ChainProperties, error) {
	props := &ChainProperties{SS58Format: raw.SS58Format}
	if len(raw.TokenDecimals) == 0 || string(raw.TokenDecimals) == "null" {
		return props, nil
	}
	var single uint32
	if err := json.Unmarshal(raw.TokenDecimals, &single); err == nil {
		props.TokenDecimals = &single
		return props, nil
	}
	var list []uint32
	if err := json.Unmarshal(raw.TokenDecimals, &list); err != nil {
		return nil, fmt.Errorf("unexpected tokenDecimals %s: %w", string(raw.TokenDecimals), err)
	}
	if len(list) > 0 {
		props.TokenDecimals = &list[0]
	}
	return props, nil
}

func (c *gsrpcClient) AccountNextIndex(ctx context.Context, address string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var index uint64
	if err := c.api.Client.Call(&index, "system_accountNextIndex", address); err != nil {
		return 0, classifyNodeError(err)
	}
	return index, nil
}

func (c *gsrpcClient) sign(ctx context.Context, call types.Call, kp signature.KeyringPair, nonce uint64) (types.Extrinsic, error) {
	rv, err := c.RuntimeVersion(ctx)
	if err != nil {
		return types.Extrinsic{}, err
	}
	ext := types.NewExtrinsic(call)
	err = ext.Sign(kp, types.SignatureOptions{
		BlockHash:          c.genesis,
		Era:                types.ExtrinsicEra{IsImmortalEra: true},
		GenesisHash:        c.genesis,
		Nonce:              types.NewUCompactFromUInt(nonce),
		SpecVersion:        rv.SpecVersion,
		Tip:                types.NewUCompactFromUInt(0),
		TransactionVersion: rv.TransactionVersion,
	})
	if err != nil {
		return types.Extrinsic{}, fmt.Errorf("failed to sign extrinsic: %w", err)
	}
	return ext, nil
}

func (c *gsrpcClient) SignCall(ctx context.Context, call types.Call, kp signature.KeyringPair, nonce uint64) (string, error) {
	ext, err := c.sign(ctx, call, kp, nonce)
	if err != nil {
		return "", err
	}
	return codec.EncodeToHex(ext)
}

func (c *gsrpcClient) SubmitAndWatch(ctx context.Context, call types.Call, kp signature.KeyringPair, nonce uint64) (types.Hash, error) {
	ext, err := c.sign(ctx, call, kp, nonce)
	if err != nil {
		return types.Hash{}, err
	}
	sub, err := c.api.RPC.Author.SubmitAndWatchExtrinsic(ext)
	if err != nil {
		return types.Hash{}, classifyNodeError(err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case status := <-sub.Chan():
			switch {
			case status.IsFinalized:
				return status.AsFinalized, nil
			case status.IsInvalid:
				return types.Hash{}, fmt.Errorf("transaction was not included: invalid")
			case status.IsDropped:
				return types.Hash{}, fmt.Errorf("transaction was not included: dropped")
			case status.IsUsurped:
				return types.Hash{}, fmt.Errorf("transaction was not included: usurped")
			case status.IsFinalityTimeout:
				return types.Hash{}, fmt.Errorf("transaction finality timed out")
			}
		case err := <-sub.Err():
			return types.Hash{}, classifyNodeError(err)
		case <-ctx.Done():
			return types.Hash{}, fmt.Errorf("waiting for finalization: %w", ctx.Err())
		}
	}
}

func (c *gsrpcClient) Close() {
	c.api.Client.Close()
}

// poolInvalidTransaction is the transaction pool's JSON-RPC error code for an
// invalid transaction. The reason, such as a bad signature, travels in the error data.
const poolInvalidTransaction = 1010

// classifyNodeError marks invalid-signature rejections as stale connections: after a
// runtime upgrade they mean the cached metadata no longer matches the chain.
func classifyNodeError(err error) error {
	if err == nil {
		return nil
	}
	if isBadSignature(err) {
		return chainErrors.Wrap(chainErrors.KindStaleConnection, "", "node rejected signature", err)
	}
	return err
}

func isBadSignature(err error) bool {
	var coded interface{ ErrorCode() int }
	if errors.As(err, &coded) && coded.ErrorCode() == poolInvalidTransaction {
		var withData interface{ ErrorData() interface{} }
		if !errors.As(err, &withData) || withData.ErrorData() == nil {
			return true
		}
		return strings.Contains(strings.ToLower(fmt.Sprint(withData.ErrorData())), "bad signature")
	}
	// Errors relayed as plain text keep the node's wording.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "bad signature") || strings.Contains(msg, "1010:")
}
