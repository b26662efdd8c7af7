package service

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/google/uuid"

	"charityledger/internal/journal"
	"charityledger/internal/model"
)

// WalletProvisioner 为没有钱包的参与方开户
// 密钥在部署前写入日志, 部署地址在部署后写入, 钱包记录保存后才删除,
// 因此任何一步失败后的重跑都复用同一钱包
type WalletProvisioner struct {
	store   LedgerStore
	client  ValueTransferClient
	journal Journal
}

// NewWalletProvisioner 创建开户服务
func NewWalletProvisioner(store LedgerStore, client ValueTransferClient, j Journal) *WalletProvisioner {
	return &WalletProvisioner{store: store, client: client, journal: j}
}

// Provision 处理一类参与方, 返回每个参与方的结果
// 资格查询失败时返回错误, 本阶段不处理任何行
func (p *WalletProvisioner) Provision(ctx context.Context, kind model.ParticipantKind) ([]RowResult, error) {
	results := p.replay(ctx, kind)

	var (
		lacking []model.Participant
		err     error
	)
	switch kind {
	case model.KindDonor:
		lacking, err = p.store.DonorsWithoutWallet(ctx)
	case model.KindRecipient:
		lacking, err = p.store.RecipientsWithoutWallet(ctx)
	default:
		return results, errors.New("unknown participant kind " + string(kind))
	}
	if err != nil {
		return results, err
	}

	p.clearStaleIntents(kind, lacking)

	replayed := make(map[string]bool, len(results))
	for _, r := range results {
		replayed[r.ID] = true
	}
	for _, participant := range lacking {
		// 本阶段已重放过的参与方不再处理
		if replayed[participant.ID.String()] {
			continue
		}
		results = append(results, p.provisionOne(ctx, participant))
	}
	return results, nil
}

// replay 补完上次运行中已部署但未记账的钱包
func (p *WalletProvisioner) replay(ctx context.Context, kind model.ParticipantKind) []RowResult {
	entries, err := p.journal.List()
	if err != nil {
		log.Printf("Failed to list wallet journal: %v", err)
		return nil
	}

	prefix := "wallet:" + string(kind) + ":"
	var results []RowResult
	for _, e := range entries {
		if !strings.HasPrefix(e.Key, prefix) || e.State != journal.StateDeployed {
			continue
		}
		id, err := uuid.Parse(strings.TrimPrefix(e.Key, prefix))
		if err != nil {
			log.Printf("Dropping malformed wallet journal key %s", e.Key)
			p.clearEntry(e.Key)
			continue
		}
		log.Printf("Replaying wallet %s for %s %s", e.Address, kind, id)
		results = append(results, p.persist(ctx, model.Participant{ID: id, Kind: kind}, e))
	}
	return results
}

// clearStaleIntents 删除参与方已不缺少钱包的开户意图, 这些密钥不会再被使用
func (p *WalletProvisioner) clearStaleIntents(kind model.ParticipantKind, lacking []model.Participant) {
	entries, err := p.journal.List()
	if err != nil {
		log.Printf("Failed to list wallet journal: %v", err)
		return
	}

	open := make(map[string]bool, len(lacking))
	for _, participant := range lacking {
		open[walletKey(kind, participant.ID)] = true
	}
	prefix := "wallet:" + string(kind) + ":"
	for _, e := range entries {
		if !strings.HasPrefix(e.Key, prefix) || e.State != journal.StateIntent || open[e.Key] {
			continue
		}
		log.Printf("Clearing stale wallet intent %s", e.Key)
		p.clearEntry(e.Key)
	}
}

func (p *WalletProvisioner) provisionOne(ctx context.Context, participant model.Participant) RowResult {
	id := participant.ID.String()
	key := walletKey(participant.Kind, participant.ID)

	e, ok, err := p.journal.Get(key)
	if err != nil {
		return retry(id, err, "journal unavailable")
	}

	if !ok {
		keys, err := p.client.GenerateKeyPair(ctx)
		if err != nil {
			log.Printf("Failed to generate keys for %s %s: %v", participant.Kind, id, err)
			return retry(id, err, "key generation failed")
		}
		e = journal.Entry{Key: key, State: journal.StateIntent, Public: keys.Public, Secret: keys.Secret}
		if err := p.journal.Put(e); err != nil {
			log.Printf("Failed to journal keys for %s %s: %v", participant.Kind, id, err)
			return retry(id, err, "journal unavailable")
		}
	}

	if e.State == journal.StateIntent {
		address, err := p.client.DeployWallet(ctx, e.Public, 0)
		if err != nil {
			log.Printf("Failed to deploy wallet for %s %s: %v", participant.Kind, id, err)
			return retry(id, err, reasonOf(err))
		}
		e.State = journal.StateDeployed
		e.Address = address
		if err := p.journal.Put(e); err != nil {
			// 意图记录仍在, 重跑会用同一公钥重新部署, 部署是幂等的
			log.Printf("Failed to journal deployed wallet %s: %v", address, err)
		}
	}

	return p.persist(ctx, participant, e)
}

// persist 先写参与方关联, 再写钱包记录, 最后删除日志
func (p *WalletProvisioner) persist(ctx context.Context, participant model.Participant, e journal.Entry) RowResult {
	id := participant.ID.String()

	err := p.store.AssignWallet(ctx, participant.Kind, participant.ID, e.Address)
	switch {
	case errors.Is(err, model.ErrNotFound):
		log.Printf("%s %s no longer exists, abandoning wallet %s", participant.Kind, id, e.Address)
		p.clearEntry(e.Key)
		return skipped(id, "participant not found")
	case errors.Is(err, model.ErrWalletAssigned):
		log.Printf("%s %s already owns another wallet, abandoning wallet %s", participant.Kind, id, e.Address)
		p.clearEntry(e.Key)
		return skipped(id, "participant already has a wallet")
	case err != nil:
		log.Printf("[ERROR] Failed to assign wallet %s to %s %s: %v", e.Address, participant.Kind, id, err)
		return gap(id, e.Address, err)
	}

	w := &model.Wallet{Address: e.Address, Public: e.Public, Secret: e.Secret}
	if err := p.store.SaveWallet(ctx, w); err != nil {
		log.Printf("[ERROR] Failed to save wallet %s for %s %s: %v", e.Address, participant.Kind, id, err)
		return gap(id, e.Address, err)
	}

	p.clearEntry(e.Key)
	log.Printf("Provisioned wallet %s for %s %s", e.Address, participant.Kind, id)
	return settled(id, e.Address)
}

func (p *WalletProvisioner) clearEntry(key string) {
	if err := p.journal.Delete(key); err != nil {
		log.Printf("Failed to clear journal entry %s: %v", key, err)
	}
}
