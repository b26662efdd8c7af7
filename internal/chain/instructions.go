package chain

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

// SPL token 与 system program 指令编号
const (
	tokenInstructionTransfer = 3
	tokenInstructionMintTo   = 7
	ataCreateIdempotent      = 1
	systemTransfer           = 2
)

func u64Data(op byte, amount uint64) []byte {
	data := make([]byte, 9)
	data[0] = op
	binary.LittleEndian.PutUint64(data[1:], amount)
	return data
}

// tokenTransferInstruction SPL token 转账: source ATA -> dest ATA, owner 签名
func tokenTransferInstruction(source, dest, owner solana.PublicKey, amount uint64) solana.Instruction {
	return solana.NewInstruction(
		solana.TokenProgramID,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(source, true, false),
			solana.NewAccountMeta(dest, true, false),
			solana.NewAccountMeta(owner, false, true),
		},
		u64Data(tokenInstructionTransfer, amount),
	)
}

// mintToInstruction 由 mint authority 增发到目标 ATA
func mintToInstruction(mint, dest, authority solana.PublicKey, amount uint64) solana.Instruction {
	return solana.NewInstruction(
		solana.TokenProgramID,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(mint, true, false),
			solana.NewAccountMeta(dest, true, false),
			solana.NewAccountMeta(authority, false, true),
		},
		u64Data(tokenInstructionMintTo, amount),
	)
}

// createATAIdempotentInstruction 创建关联代币账户, 已存在时不报错
func createATAIdempotentInstruction(payer, ata, owner, mint solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		solana.SPLAssociatedTokenAccountProgramID,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(payer, true, true),
			solana.NewAccountMeta(ata, true, false),
			solana.NewAccountMeta(owner, false, false),
			solana.NewAccountMeta(mint, false, false),
			solana.NewAccountMeta(solana.SystemProgramID, false, false),
			solana.NewAccountMeta(solana.TokenProgramID, false, false),
		},
		[]byte{ataCreateIdempotent},
	)
}

// systemTransferInstruction 原生币转账
func systemTransferInstruction(from, to solana.PublicKey, lamports uint64) solana.Instruction {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], systemTransfer)
	binary.LittleEndian.PutUint64(data[4:], lamports)
	return solana.NewInstruction(
		solana.SystemProgramID,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(from, true, true),
			solana.NewAccountMeta(to, true, false),
		},
		data,
	)
}
