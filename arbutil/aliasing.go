// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package arbutil

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AddressAliasOffset is added to a base ledger contract address when its message enters the
// rollup, so that it cannot collide with a rollup-native account.
var AddressAliasOffset *big.Int
var InverseAddressAliasOffset *big.Int

var addressSpace = new(big.Int).Lsh(big.NewInt(1), 160)

func init() {
	offset, success := new(big.Int).SetString("0x1111000000000000000000000000000000001111", 0)
	if !success {
		panic("Error initializing AddressAliasOffset")
	}
	AddressAliasOffset = offset
	InverseAddressAliasOffset = new(big.Int).Sub(addressSpace, AddressAliasOffset)
}

func RemapL1Address(l1Addr common.Address) common.Address {
	return shiftAddress(l1Addr, AddressAliasOffset)
}

func InverseRemapL1Address(l1Addr common.Address) common.Address {
	return shiftAddress(l1Addr, InverseAddressAliasOffset)
}

func shiftAddress(addr common.Address, offset *big.Int) common.Address {
	sum := new(big.Int).Add(new(big.Int).SetBytes(addr.Bytes()), offset)
	return common.BigToAddress(sum.Mod(sum, addressSpace))
}
