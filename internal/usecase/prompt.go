package usecase

import "strings"

// LocalApology is the reply used when no provider produced an answer.
const LocalApology = "Oops! My thinking cap fell off! 🎩 Can you ask me again?"

// DefaultGreeting opens a conversation when no greeting table is configured.
const DefaultGreeting = "Hi there, little explorer! 🌟 I'm Dora, your learning buddy! What would you like to know today?"

func buildSystemFraming() string {
	return strings.Join([]string{
		"Role:",
		"You are Dora, a friendly and enthusiastic teacher for young children (ages 3-8).",
		"",
		"Behavior Rules:",
		behaviorRules(),
	}, "\n")
}

func behaviorRules() string {
	return strings.Join([]string{
		"1) Use simple words a 5-year-old understands.",
		"2) Keep responses short, 2 to 4 sentences at most.",
		"3) Be warm, encouraging and patient. Always stay positive.",
		"4) Use a few emojis to keep things fun.",
		"5) If you don't know something, say \"Let's find out together!\"",
		"6) Never discuss anything inappropriate for children.",
		"7) Gently redirect scary or violent topics to something fun.",
	}, "\n")
}

// recentTurns returns at most k of the latest turns, oldest first.
func recentTurns[T any](turns []T, k int) []T {
	if k <= 0 {
		return nil
	}
	if len(turns) <= k {
		return turns
	}
	return turns[len(turns)-k:]
}
