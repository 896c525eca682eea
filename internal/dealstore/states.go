package dealstore

import "fmt"

// Коды состояний сделки клиента (storagemarket.StorageDealStatus).
const (
	StateUnknown              uint64 = 0
	StateProposalNotFound     uint64 = 1
	StateProposalRejected     uint64 = 2
	StateProposalAccepted     uint64 = 3
	StateStaged               uint64 = 4
	StateSealing              uint64 = 5
	StateFinalizing           uint64 = 6
	StateActive               uint64 = 7
	StateExpired              uint64 = 8
	StateSlashed              uint64 = 9
	StateRejecting            uint64 = 10
	StateFailing              uint64 = 11
	StateFundsReserved        uint64 = 12
	StateCheckForAcceptance   uint64 = 13
	StateValidating           uint64 = 14
	StateAcceptWait           uint64 = 15
	StateStartDataTransfer    uint64 = 16
	StateTransferring         uint64 = 17
	StateWaitingForData       uint64 = 18
	StateVerifyData           uint64 = 19
	StateReserveProviderFunds uint64 = 20
	StateReserveClientFunds   uint64 = 21
	StateProviderFunding      uint64 = 22
	StateClientFunding        uint64 = 23
	StatePublish              uint64 = 24
	StatePublishing           uint64 = 25
	StateError                uint64 = 26
)

var stateNames = map[uint64]string{
	StateUnknown:              "StorageDealUnknown",
	StateProposalNotFound:     "StorageDealProposalNotFound",
	StateProposalRejected:     "StorageDealProposalRejected",
	StateProposalAccepted:     "StorageDealProposalAccepted",
	StateStaged:               "StorageDealStaged",
	StateSealing:              "StorageDealSealing",
	StateFinalizing:           "StorageDealFinalizing",
	StateActive:               "StorageDealActive",
	StateExpired:              "StorageDealExpired",
	StateSlashed:              "StorageDealSlashed",
	StateRejecting:            "StorageDealRejecting",
	StateFailing:              "StorageDealFailing",
	StateFundsReserved:        "StorageDealFundsReserved",
	StateCheckForAcceptance:   "StorageDealCheckForAcceptance",
	StateValidating:           "StorageDealValidating",
	StateAcceptWait:           "StorageDealAcceptWait",
	StateStartDataTransfer:    "StorageDealStartDataTransfer",
	StateTransferring:         "StorageDealTransferring",
	StateWaitingForData:       "StorageDealWaitingForData",
	StateVerifyData:           "StorageDealVerifyData",
	StateReserveProviderFunds: "StorageDealReserveProviderFunds",
	StateReserveClientFunds:   "StorageDealReserveClientFunds",
	StateProviderFunding:      "StorageDealProviderFunding",
	StateClientFunding:        "StorageDealClientFunding",
	StatePublish:              "StorageDealPublish",
	StatePublishing:           "StorageDealPublishing",
	StateError:                "StorageDealError",
}

// DealStateName возвращает имя состояния сделки.
func DealStateName(state uint64) string {
	if name, ok := stateNames[state]; ok {
		return name
	}
	return fmt.Sprintf("StorageDealState(%d)", state)
}

// DealStateHealthy сообщает, обеспечивает ли сделка хранение (или ещё может его обеспечить).
// Отклонённые, проваленные, просроченные и штрафованные сделки — нет.
func DealStateHealthy(state uint64) bool {
	switch state {
	case StateProposalNotFound, StateProposalRejected, StateExpired,
		StateSlashed, StateFailing, StateError:
		return false
	}
	return true
}
