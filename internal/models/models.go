package models

// All lists every model in migration order.
func All() []any {
	return []any{
		&Tenant{}, &Campus{}, &Student{}, &Enrollment{}, &FeeStructure{},
		&PostingRun{}, &Challan{}, &ChallanLineItem{},
		&PaymentRecord{}, &AdvanceCredit{},
		&LedgerEntry{}, &StudentFinancialSummary{},
		&RevenueCycle{}, &RevenueAdjustment{},
		&ReminderRule{}, &ReminderLog{},
		&Job{},
	}
}
