package service

import (
	"context"
	"errors"
	"log"

	"github.com/google/uuid"

	"charityledger/internal/chain"
	"charityledger/internal/model"
)

// DonationGranter 为未发放的捐赠向捐赠人钱包发放代币和手续费
type DonationGranter struct {
	store       LedgerStore
	client      ValueTransferClient
	guard       *dedupGuard
	scaleFactor int64
	grantFee    uint64
	onGap       func(key, ref string, err error)
}

// Grant 处理一笔未发放捐赠
func (g *DonationGranter) Grant(ctx context.Context, d model.Donation, donors map[uuid.UUID]model.Participant) RowResult {
	id := d.ID.String()
	if d.Granted {
		return skipped(id, "already granted")
	}
	key := donationKey(d.ID)

	pr, err := g.guard.lookup(ctx, key)
	if err != nil {
		log.Printf("Failed to check journal for donation %s: %v", id, err)
		return retry(id, err, "journal check failed")
	}
	switch pr.kind {
	case priorConfirmed:
		log.Printf("Replaying grant of donation %s with ref %s", id, pr.ref)
		return g.markGranted(ctx, d.ID, key, pr.ref)
	case priorWaiting:
		return deferred(id, "awaiting confirmation of "+pr.ref)
	}

	tokens, err := ScaleAmount(d.Amount, g.scaleFactor)
	if err != nil {
		log.Printf("Skipping donation %s: %v", id, err)
		return skipped(id, err.Error())
	}

	donor, ok := donors[d.DonorID]
	if !ok {
		return skipped(id, "donor not found")
	}
	if !donor.HasWallet() {
		return skipped(id, "donor has no wallet")
	}

	ref, err := g.client.Grant(ctx, donor.WalletAddress(), tokens, g.grantFee)
	if err != nil {
		if errors.Is(err, chain.ErrNotConfirmed) && ref != "" {
			if jerr := g.guard.markPending(key, ref); jerr != nil {
				log.Printf("[ERROR] Failed to journal pending grant %s for donation %s: %v", ref, id, jerr)
				g.reportGap(key, ref, jerr)
				return gap(id, ref, jerr)
			}
			return deferred(id, "awaiting confirmation of "+ref)
		}
		log.Printf("Grant for donation %s failed: %v", id, err)
		return retry(id, err, reasonOf(err))
	}

	if err := g.guard.markSent(key, ref); err != nil {
		log.Printf("Failed to journal grant %s for donation %s: %v", ref, id, err)
	}
	return g.markGranted(ctx, d.ID, key, ref)
}

func (g *DonationGranter) markGranted(ctx context.Context, donationID uuid.UUID, key, ref string) RowResult {
	id := donationID.String()
	if err := g.store.MarkDonationGranted(ctx, donationID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			g.guard.clear(key)
		}
		log.Printf("[ERROR] Grant %s for donation %s succeeded but marking granted failed: %v", ref, id, err)
		g.reportGap(key, ref, err)
		return gap(id, ref, err)
	}
	g.guard.clear(key)
	log.Printf("Donation %s granted with ref %s", id, ref)
	return settled(id, ref)
}

func (g *DonationGranter) reportGap(key, ref string, err error) {
	if g.onGap != nil {
		g.onGap(key, ref, err)
	}
}
