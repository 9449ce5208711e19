package presigner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/vortex-ramp/ephemeral-signer/pkg/chainManager"
	"github.com/vortex-ramp/ephemeral-signer/pkg/networks"
)

// TxData is either an encoded payload (Stellar XDR, Substrate extrinsic hex, signed
// EVM transaction hex) or an EVM transaction template.
type TxData struct {
	Encoded string
	Evm     *chainManager.EvmTxData
}

// IsEvm reports whether d holds an EVM template.
func (d TxData) IsEvm() bool { return d.Evm != nil }

func (d TxData) MarshalJSON() ([]byte, error) {
	if d.Evm != nil {
		return json.Marshal(d.Evm)
	}
	return json.Marshal(d.Encoded)
}

func (d *TxData) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		d.Evm = nil
		return json.Unmarshal(trimmed, &d.Encoded)
	}
	var evm chainManager.EvmTxData
	if err := json.Unmarshal(trimmed, &evm); err != nil {
		return fmt.Errorf("txData must be a string or an evm transaction object: %w", err)
	}
	d.Encoded = ""
	d.Evm = &evm
	return nil
}

// Meta carries per-transaction annotations. AdditionalTxs maps "{phase}{offset}" to
// the alternate signed at nonce+offset.
type Meta struct {
	ExpectedSequenceNumber string                          `json:"expectedSequenceNumber,omitempty"`
	AdditionalTxs          map[string]PresignedTransaction `json:"additionalTxs,omitempty"`
}

func (m Meta) clone() Meta {
	out := Meta{ExpectedSequenceNumber: m.ExpectedSequenceNumber}
	if m.AdditionalTxs != nil {
		out.AdditionalTxs = make(map[string]PresignedTransaction, len(m.AdditionalTxs))
		for k, v := range m.AdditionalTxs {
			v.Meta = v.Meta.clone()
			out.AdditionalTxs[k] = v
		}
	}
	return out
}

// UnsignedTransaction is a template supplied by the ramp orchestration.
type UnsignedTransaction struct {
	Network networks.Network `json:"network"`
	Phase   string           `json:"phase"`
	TxData  TxData           `json:"txData"`
	Nonce   uint64           `json:"nonce"`
	Signer  string           `json:"signer"`
	Meta    Meta             `json:"meta"`
}

// PresignedTransaction has the shape of its template with TxData replaced by the
// signed payload.
type PresignedTransaction UnsignedTransaction

// AdditionalTxName returns the metadata key of the alternate at offset.
func AdditionalTxName(phase string, offset int) string {
	return phase + strconv.Itoa(offset)
}

func (tx UnsignedTransaction) dedupeKey() string {
	payload := tx.TxData.Encoded
	if tx.TxData.Evm != nil {
		b, _ := json.Marshal(tx.TxData.Evm)
		payload = string(b)
	}
	return fmt.Sprintf("%s|%d|%s", tx.Network, tx.Nonce, payload)
}
