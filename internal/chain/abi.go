// Package chain connects the projection to the perp order-book contract: a
// websocket log gateway producing typed event streams, and a bounded-
// concurrency read client over the contract's view functions.
package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// bookABIJSON describes the four lifecycle events and the three view
// functions of the order-book contract.
const bookABIJSON = `[
  {"type":"event","name":"Opened","anonymous":false,"inputs":[
    {"name":"id","type":"uint32","indexed":false},
    {"name":"state","type":"uint8","indexed":false},
    {"name":"asset","type":"uint32","indexed":false},
    {"name":"longSide","type":"bool","indexed":false},
    {"name":"lots","type":"uint16","indexed":false},
    {"name":"entryOrTargetX6","type":"int64","indexed":false},
    {"name":"slX6","type":"int64","indexed":false},
    {"name":"tpX6","type":"int64","indexed":false},
    {"name":"liqX6","type":"int64","indexed":false},
    {"name":"trader","type":"address","indexed":false},
    {"name":"leverageX","type":"uint16","indexed":false}]},
  {"type":"event","name":"Executed","anonymous":false,"inputs":[
    {"name":"id","type":"uint32","indexed":false},
    {"name":"entryX6","type":"int64","indexed":false}]},
  {"type":"event","name":"StopsUpdated","anonymous":false,"inputs":[
    {"name":"id","type":"uint32","indexed":false},
    {"name":"slX6","type":"int64","indexed":false},
    {"name":"tpX6","type":"int64","indexed":false}]},
  {"type":"event","name":"Removed","anonymous":false,"inputs":[
    {"name":"id","type":"uint32","indexed":false},
    {"name":"reason","type":"uint8","indexed":false},
    {"name":"execX6","type":"int64","indexed":false},
    {"name":"pnlUsd6","type":"int256","indexed":false}]},
  {"type":"function","name":"getTrade","stateMutability":"view","inputs":[
    {"name":"id","type":"uint32"}],"outputs":[
    {"name":"owner","type":"address"},
    {"name":"asset","type":"uint32"},
    {"name":"lots","type":"uint16"},
    {"name":"leverageX","type":"uint16"},
    {"name":"entryX6","type":"int64"},
    {"name":"targetX6","type":"int64"},
    {"name":"slX6","type":"int64"},
    {"name":"tpX6","type":"int64"},
    {"name":"liqX6","type":"int64"},
    {"name":"flags","type":"uint8"},
    {"name":"state","type":"uint8"}]},
  {"type":"function","name":"stateOf","stateMutability":"view","inputs":[
    {"name":"id","type":"uint32"}],"outputs":[
    {"name":"state","type":"uint8"}]},
  {"type":"function","name":"nextId","stateMutability":"view","inputs":[],"outputs":[
    {"name":"id","type":"uint32"}]}
]`

// bookABI is parsed once at init; the JSON above is a compile-time constant
// so a parse failure is a programming error.
var bookABI = mustParseABI(bookABIJSON)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("chain: parse contract ABI: " + err.Error())
	}
	return parsed
}

// Topic identifies one logical event stream.
type Topic string

const (
	TopicOpened       Topic = "Opened"
	TopicExecuted     Topic = "Executed"
	TopicStopsUpdated Topic = "StopsUpdated"
	TopicRemoved      Topic = "Removed"
)

// Topics lists all four streams in a stable order.
func Topics() []Topic {
	return []Topic{TopicOpened, TopicExecuted, TopicStopsUpdated, TopicRemoved}
}

// eventID returns the keccak topic hash for the given stream.
func eventID(t Topic) common.Hash {
	return bookABI.Events[string(t)].ID
}
