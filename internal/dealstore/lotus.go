// Пакет dealstore — клиент долговременного хранилища tier B (сделки Filecoin
// через JSON-RPC API полной ноды Lotus).
package dealstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-jsonrpc"
	"github.com/ipfs/go-cid"

	"github.com/bigkaa/evidence-vault/internal/domain/failure"
	"github.com/bigkaa/evidence-vault/internal/domain/model"
)

// Config — параметры подключения к Lotus и условия сделок.
type Config struct {
	// APIURL — адрес JSON-RPC (например, http://lotus:1234/rpc/v0)
	APIURL string
	// Token — bearer-токен с правами write
	Token  string
	Wallet string
	Miner  string
	// EpochPrice — цена за эпоху в attoFIL (десятичная строка)
	EpochPrice        string
	MinBlocksDuration uint64
	FastRetrieval     bool
	VerifiedDeal      bool
}

// dataRef — ссылка на данные сделки (storagemarket.DataRef).
type dataRef struct {
	TransferType string
	Root         cid.Cid
	PieceCid     *cid.Cid `json:",omitempty"`
	PieceSize    uint64   `json:",omitempty"`
}

// startDealParams — параметры Filecoin.ClientStartDeal.
type startDealParams struct {
	Data               *dataRef
	Wallet             address.Address
	Miner              address.Address
	EpochPrice         string
	MinBlocksDuration  uint64
	ProviderCollateral string
	DealStartEpoch     int64
	FastRetrieval      bool
	VerifiedDeal       bool
}

// dataCIDSize — ответ Filecoin.ClientDealPieceCID.
type dataCIDSize struct {
	PayloadSize int64
	PieceSize   uint64
	PieceCID    cid.Cid
}

// dealInfo — ответ Filecoin.ClientGetDealInfo.
type dealInfo struct {
	ProposalCid cid.Cid
	State       uint64
	Message     string
	Provider    address.Address
	PieceCID    cid.Cid
	Size        uint64
	Duration    uint64
	DealID      uint64
}

// lotusAPI — подмножество методов полной ноды, используемое хранилищем.
type lotusAPI struct {
	ClientDealPieceCID func(ctx context.Context, root cid.Cid) (dataCIDSize, error)
	ClientStartDeal    func(ctx context.Context, params *startDealParams) (*cid.Cid, error)
	ClientGetDealInfo  func(ctx context.Context, proposal cid.Cid) (*dealInfo, error)
}

// Lotus — DealStore поверх Lotus JSON-RPC.
type Lotus struct {
	api    lotusAPI
	closer jsonrpc.ClientCloser
	wallet address.Address
	miner  address.Address
	cfg    Config
	logger *slog.Logger
}

// NewLotus подключается к Lotus. Кошелёк и провайдер разбираются сразу:
// некорректный адрес — ошибка конфигурации, а не отказ сделки.
func NewLotus(ctx context.Context, cfg Config, logger *slog.Logger) (*Lotus, error) {
	wallet, err := address.NewFromString(cfg.Wallet)
	if err != nil {
		return nil, fmt.Errorf("некорректный адрес кошелька %q: %w", cfg.Wallet, err)
	}
	miner, err := address.NewFromString(cfg.Miner)
	if err != nil {
		return nil, fmt.Errorf("некорректный адрес провайдера %q: %w", cfg.Miner, err)
	}
	if cfg.EpochPrice == "" {
		cfg.EpochPrice = "0"
	}
	if _, err := strconv.ParseUint(cfg.EpochPrice, 10, 64); err != nil {
		return nil, fmt.Errorf("некорректная цена за эпоху %q: %w", cfg.EpochPrice, err)
	}

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	l := &Lotus{
		wallet: wallet,
		miner:  miner,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "lotus_client")),
	}
	closer, err := jsonrpc.NewMergeClient(ctx, cfg.APIURL, "Filecoin",
		[]interface{}{&l.api}, header)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к Lotus: %w", err)
	}
	l.closer = closer

	l.logger.Info("Клиент Lotus создан",
		slog.String("api_url", cfg.APIURL),
		slog.String("wallet", wallet.String()),
		slog.String("miner", miner.String()),
	)
	return l, nil
}

// Close закрывает JSON-RPC клиент.
func (l *Lotus) Close() {
	if l.closer != nil {
		l.closer()
	}
}

// Store заключает сделку на хранение содержимого tier A.
// TierBID — piece CID, DealID — proposal CID сделки.
func (l *Lotus) Store(ctx context.Context, tierAID string, metadata map[string]string) (*model.DealResult, error) {
	root, err := cid.Decode(tierAID)
	if err != nil {
		return nil, failure.New(failure.Terminal, "store", fmt.Errorf("invalid cid %q: %w", tierAID, err))
	}

	piece, err := l.api.ClientDealPieceCID(ctx, root)
	if err != nil {
		return nil, failure.Wrap("store", fmt.Errorf("вычисление piece CID: %w", err))
	}

	proposal, err := l.api.ClientStartDeal(ctx, &startDealParams{
		Data: &dataRef{
			TransferType: "graphsync",
			Root:         root,
			PieceCid:     &piece.PieceCID,
			PieceSize:    piece.PieceSize,
		},
		Wallet:             l.wallet,
		Miner:              l.miner,
		EpochPrice:         l.cfg.EpochPrice,
		MinBlocksDuration:  l.cfg.MinBlocksDuration,
		ProviderCollateral: "0",
		DealStartEpoch:     -1,
		FastRetrieval:      l.cfg.FastRetrieval,
		VerifiedDeal:       l.cfg.VerifiedDeal,
	})
	if err != nil {
		return nil, failure.Wrap("store", fmt.Errorf("предложение сделки: %w", err))
	}
	if proposal == nil || !proposal.Defined() {
		return nil, failure.New(failure.Retryable, "store", errors.New("Lotus не вернул proposal CID"))
	}

	l.logger.Info("Сделка предложена",
		slog.String("root", root.String()),
		slog.String("piece_cid", piece.PieceCID.String()),
		slog.String("proposal", proposal.String()),
		slog.Int("metadata_keys", len(metadata)),
	)

	return &model.DealResult{
		TierBID: piece.PieceCID.String(),
		DealID:  proposal.String(),
	}, nil
}

// CheckDeal запрашивает текущее состояние сделки по proposal CID.
func (l *Lotus) CheckDeal(ctx context.Context, ref model.DealRef) (*model.DealStatus, error) {
	proposal, err := cid.Decode(ref.DealID)
	if err != nil {
		return nil, failure.New(failure.Terminal, "check_deal", fmt.Errorf("invalid cid %q: %w", ref.DealID, err))
	}

	info, err := l.api.ClientGetDealInfo(ctx, proposal)
	if err != nil {
		return nil, failure.Wrap("check_deal", fmt.Errorf("состояние сделки: %w", err))
	}

	return &model.DealStatus{
		State:   DealStateName(info.State),
		Message: info.Message,
		Healthy: DealStateHealthy(info.State),
	}, nil
}
