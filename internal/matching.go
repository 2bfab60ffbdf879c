package internal

// 系統設計問題：
//   等待佇列中誰和誰配對？
//
// 規則：
//   兩個等待項 A、B 可配對 ⇔ A.Sign ≠ B.Sign 且 A.Turn ≠ B.Turn 且屬於不同用戶
//   佇列允許同一用戶重複入隊，不同用戶的檢查避免和自己對戰
//   由於入隊時已解析 Random，配對結果必然是一方 X/先手、另一方 O/後手（或互換）
//
// 掃描順序：
//   外層從索引 0 開始，內層掃描所有其他索引；找到的第一組即成立
//   不是最佳配對也不是嚴格 FIFO，較早的項目可能持續和別人配對，
//   使某個等待項一再被跳過（已知的公平性弱點）

// Compatible 判斷兩個等待項能否配對
func Compatible(a, b WaitingEntry) bool {
	return a.UserID != b.UserID && a.Sign != b.Sign && a.Turn != b.Turn
}

// FindPair 在佇列快照上找第一組可配對的索引
//
// 純函數：不修改輸入，方便測試與重現
func FindPair(queue []WaitingEntry) (i, j int, ok bool) {
	for i = range queue {
		for j = range queue {
			if i == j {
				continue
			}
			if Compatible(queue[i], queue[j]) {
				return i, j, true
			}
		}
	}
	return -1, -1, false
}

// orderPlayers 依解析後的先後手決定誰是 Player1（先手）
func orderPlayers(a, b WaitingEntry) (first, second Player) {
	pa := Player{UserID: a.UserID, Sign: a.Sign}
	pb := Player{UserID: b.UserID, Sign: b.Sign}
	if a.Turn == TurnFirst {
		return pa, pb
	}
	return pb, pa
}

// removePair 從佇列移除 i、j 兩項，回傳新的切片
func removePair(queue []WaitingEntry, i, j int) []WaitingEntry {
	out := make([]WaitingEntry, 0, len(queue)-2)
	for k, e := range queue {
		if k == i || k == j {
			continue
		}
		out = append(out, e)
	}
	return out
}
