package intake

// Vectorize maps symptoms onto the master vocabulary. Position i is 1 when
// vocabulary[i] appears among the symptoms, compared case-insensitively.
// Symptoms outside the vocabulary are ignored.
func Vectorize(symptoms []string, vocabulary []string) []int {
	set := make(map[string]struct{}, len(symptoms))
	for _, s := range symptoms {
		set[Fold(s)] = struct{}{}
	}
	vector := make([]int, len(vocabulary))
	for i, v := range vocabulary {
		if _, ok := set[Fold(v)]; ok {
			vector[i] = 1
		}
	}
	return vector
}

// Matched counts the set positions of a vector.
func Matched(vector []int) int {
	n := 0
	for _, bit := range vector {
		n += bit
	}
	return n
}
