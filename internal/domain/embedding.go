package domain

import "time"

// Embedding table names. Movie tables have a _staging shadow used by the swap.
const (
	TableMovieEmbeddingColdStart    = "movie_embedding_coldstart"
	TableMovieEmbeddingPersonalized = "movie_embedding_personalized"
	TableUserEmbedding              = "user_embeddings"
	TableUserGenreEmbedding         = "user_genre_embeddings"

	StagingSuffix = "_staging"
)

// StagingTable returns the shadow table name for a production table.
func StagingTable(production string) string {
	return production + StagingSuffix
}

// MovieEmbedding is one row of a movie embedding table. The table is chosen
// at query time (cold-start or personalized, production or staging).
type MovieEmbedding struct {
	MovieID      string    `gorm:"type:text;primaryKey" json:"movie_id"`
	Embedding    Vector    `gorm:"not null" json:"-"`
	ModelVersion string    `gorm:"type:text" json:"model_version"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserEmbedding is one row of user_embeddings or user_genre_embeddings.
type UserEmbedding struct {
	UserID    string    `gorm:"type:text;primaryKey" json:"user_id"`
	Embedding Vector    `gorm:"not null" json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}
