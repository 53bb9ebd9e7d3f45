package observability

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.opentelemetry.io/otel/attribute"
)

const (
	RefereeKey attribute.Key = "referee"
	ReasonKey  attribute.Key = "reason"
)

func Referee(pubkey []byte) attribute.KeyValue {
	return RefereeKey.String(hexutil.Encode(pubkey))
}

/*
ErrStatus returns attribute named "status" with value "ok" if the param
err is nil and "err" when it is not.
*/
func ErrStatus(err error) attribute.KeyValue {
	status := "ok"
	if err != nil {
		status = "err"
	}
	return attribute.String("status", status)
}
