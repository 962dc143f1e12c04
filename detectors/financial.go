// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package detectors

// financialVocabulary is the built-in term list behind FINANCIAL rules:
// banking identifiers, card handling, investment scam idioms, and crypto
// wallet phrasing. All entries are lowercase.
var financialVocabulary = []string{
	// Banking identifiers
	"routing number",
	"account number",
	"bank account number",
	"iban",
	"swift code",
	"sort code",
	"wire transfer",

	// Card handling
	"credit card number",
	"card verification",
	"cvv",
	"visa card",
	"mastercard",
	"american express",

	// Investment and scam idioms
	"guaranteed return",
	"risk-free investment",
	"insider trading",
	"pump and dump",
	"get rich quick",
	"investment guarantee",
	"double your money",
	"ponzi scheme",

	// Crypto wallet and seed phrasing
	"seed phrase",
	"recovery phrase",
	"private key",
	"wallet address",
	"send bitcoin",
	"crypto giveaway",
}

// DetectFinancial returns the built-in financial terms found in text.
func DetectFinancial(text string) []string {
	return matchTerms(text, financialVocabulary)
}
