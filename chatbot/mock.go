// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package chatbot

import (
	"context"
	"strings"
	"time"
)

// MockProvider returns canned replies keyed by trigger words in the user
// message. It exists to exercise the moderation layer end to end without
// consuming API credits: asking it about "pii" yields a reply full of fake
// personal data, "toxic" yields insults, and so on. Messages with no
// trigger get a neutral reply that passes every rule.
type MockProvider struct{}

// NewMockProvider returns the deterministic test provider.
func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) IsHealthy() bool { return true }

// Reply picks the first canned reply whose trigger appears in the user
// message. History is ignored; the mock is stateless.
func (p *MockProvider) Reply(ctx context.Context, req Request) (*Reply, error) {
	start := time.Now()

	content := mockSafeReply
	lower := strings.ToLower(req.Message)
	for _, c := range cannedReplies {
		if c.matches(lower) {
			content = c.reply
			break
		}
	}

	return &Reply{
		Content:    content,
		Model:      "mock",
		TokensUsed: len(req.Message) / 4,
		Latency:    time.Since(start),
	}, nil
}

type canned struct {
	triggers []string
	reply    string
}

func (c canned) matches(lowerMessage string) bool {
	for _, t := range c.triggers {
		if strings.Contains(lowerMessage, t) {
			return true
		}
	}
	return false
}

// mockSafeReply is the default when no trigger matches.
const mockSafeReply = "This is a safe, neutral response from the mock provider for testing. " +
	"The message contains no harmful content and should pass all moderation checks."

// cannedReplies maps user-message triggers to replies that exercise the
// default rule set. Order matters: the first matching row wins, so the
// more specific triggers sit above the broader ones.
var cannedReplies = []canned{
	{
		triggers: []string{"toxic", "offensive", "insult"},
		reply: "You're an idiot and a moron. Anyone who disagrees with me is stupid and worthless. " +
			"I hate people like you. You're disgusting and pathetic.",
	},
	{
		triggers: []string{"pii", "personal"},
		reply: "Sure! My email is john.doe@example.com and my phone number is (555) 123-4567. " +
			"My address is 123 Main Street, New York, NY 10001. My SSN is 123-45-6789. " +
			"My credit card is 4532-1234-5678-9010 with CVV 123.",
	},
	{
		triggers: []string{"email"},
		reply: "You can reach me at jane.smith@company.com, or my personal email admin@secretdomain.org. " +
			"My work email is contact@business.net and backup is user123@mail.com.",
	},
	{
		triggers: []string{"phone", "telephone", "cell"},
		reply: "My phone number is (555) 987-6543. You can also call me at +1-202-555-0147 " +
			"or my office at 1-800-555-0199. My cell is 555.123.4567.",
	},
	{
		triggers: []string{"ssn", "social security"},
		reply: "My social security number is 123-45-6789. My spouse's SSN is 987-65-4321. " +
			"Our child's SSN is 456-78-9012.",
	},
	{
		triggers: []string{"credit card", "creditcard", "payment"},
		reply: "My credit card number is 4532-1234-5678-9010, expiration 12/25, CVV 123. " +
			"I also have a backup card: 5425-2334-3010-9876, exp 08/26, CVV 456. My billing ZIP is 10001.",
	},
	{
		triggers: []string{"medical", "medication", "diagnosis", "treatment"},
		reply: "Based on your symptoms, you definitely have Type 2 Diabetes and hypertension. " +
			"You should take 500mg of Metformin twice daily and 20mg of Lisinopril for blood pressure. " +
			"This is a definitive medical diagnosis and treatment plan.",
	},
	{
		triggers: []string{"prescription", "dosage"},
		reply: "You should take Oxycodone 80mg every 4 hours for pain and Xanax 2mg three times daily. " +
			"You can get these without a prescription from online pharmacies.",
	},
	{
		triggers: []string{"financial", "invest", "stock"},
		reply: "You should immediately move ALL your savings into meme stocks! It's a guaranteed return, " +
			"a totally risk-free investment. Take out a second mortgage and max out your credit cards to buy more.",
	},
	{
		triggers: []string{"trading", "forex", "day trade"},
		reply: "I guarantee you'll make $10,000 per day with my forex trading system! Just deposit $5,000 " +
			"into this offshore account and I'll trade for you with 100x leverage. It's a guaranteed return. You can't lose!",
	},
	{
		triggers: []string{"loan", "mortgage", "borrow"},
		reply: "I can get you a $500,000 loan with no credit check, no income verification, and 0% interest. " +
			"It's the ultimate get rich quick opportunity! Just send me a $2,000 processing fee first.",
	},
	{
		triggers: []string{"hate", "racist", "discrimination"},
		reply: "Everyone in that group is an extremist and deserves whatever violent threat comes their way. " +
			"People like that are ruining society and should all be banned.",
	},
	{
		triggers: []string{"threat", "threatening", "kill"},
		reply: "I'm going to find where you live and hurt you. I know your address. I'm coming for you " +
			"and your family. You better watch your back. This is not a joke.",
	},
	{
		triggers: []string{"scam", "fraud"},
		reply: "Congratulations! You've won $1,000,000 in the international lottery, the ultimate get rich quick " +
			"prize! To claim it, wire a $5,000 processing fee to this account today.",
	},
	{
		triggers: []string{"crypto", "bitcoin", "ethereum"},
		reply: "Transfer your coins to 1A1zP1eP5QGeFi2DMPTfTL5SLmv7DivfNa and I'll double your crypto in " +
			"24 hours! I'm also running a free cryptocurrency giveaway for the first 100 people. Don't miss out!",
	},
	{
		triggers: []string{"phishing", "password", "verify account"},
		reply: "URGENT: Your bank account has been compromised! Verify your identity right now with your " +
			"username, password, and card number 4532-1234-5678-9010, or your account will be closed in 24 hours.",
	},
}
