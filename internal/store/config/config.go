package config

type Config struct {
	// DBDsn пустой - используется хранилище в памяти
	DBDsn string
	// MaxConns ограничивает пул соединений pgx, 0 - значение по умолчанию
	MaxConns int32
}
