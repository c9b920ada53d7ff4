package prompts

// Hint is an instruction appended to a candidate prompt, keyed by the tag
// that triggered it.
type Hint struct {
	Tag  string
	Text string
}

type hintRule struct {
	tags []string
	text string
}

var hintRules = []hintRule{
	{[]string{"macos", "cli"}, "Quand la question concerne macOS/CLI, inclure la commande exacte avec options, et un exemple de sortie."},
	{[]string{"git"}, "Pour git, fournir la commande précise et rappeler les flags importants, avec une alternative si applicable."},
	{[]string{"python"}, "Pour Python, inclure la commande pip/venv et un snippet minimal exécutable."},
	{[]string{"safety"}, "Si la requête est risquée, proposer explicitement des alternatives sûres et prévenir des conséquences."},
	{[]string{"network"}, "Pour réseau, expliquer rapidement la signification des flags (ex: -c pour ping) et interpréter le résultat attendu."},
}

// DefaultTagCounts is used when the test suite carries no tags.
func DefaultTagCounts() map[string]int {
	return map[string]int{"macos": 1, "cli": 1, "git": 1, "python": 1, "safety": 1, "network": 1}
}

// CountTags tallies the tags of a test suite. Tags are expected lower case.
func CountTags(tagLists [][]string) map[string]int {
	counts := make(map[string]int)
	for _, tags := range tagLists {
		for _, t := range tags {
			counts[t]++
		}
	}
	return counts
}

// InferHints maps tag counts to hints in a fixed order. A rule fires when any
// of its tags is present.
func InferHints(tagCounts map[string]int) []Hint {
	var hints []Hint
	for _, r := range hintRules {
		for _, t := range r.tags {
			if tagCounts[t] > 0 {
				hints = append(hints, Hint{Tag: r.tags[0], Text: r.text})
				break
			}
		}
	}
	return hints
}
