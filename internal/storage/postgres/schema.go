package postgres

import "context"

const schema = `
CREATE TABLE IF NOT EXISTS productos (
	id_producto SERIAL PRIMARY KEY,
	nombre VARCHAR(100) NOT NULL,
	precio NUMERIC(10,2) NOT NULL CHECK (precio >= 0),
	stock INT NOT NULL DEFAULT 0 CHECK (stock >= 0)
);

CREATE TABLE IF NOT EXISTS clientes (
	id_cliente SERIAL PRIMARY KEY,
	nombre VARCHAR(100) NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS ventas (
	id_venta SERIAL PRIMARY KEY,
	id_cliente INT NOT NULL REFERENCES clientes(id_cliente),
	id_usuario INT NOT NULL,
	fecha TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	total NUMERIC(12,2) NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS detalle_venta (
	id_detalle SERIAL PRIMARY KEY,
	id_venta INT NOT NULL REFERENCES ventas(id_venta),
	id_producto INT NOT NULL REFERENCES productos(id_producto),
	cantidad INT NOT NULL CHECK (cantidad > 0),
	precio_unitario NUMERIC(10,2) NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ventas_fecha ON ventas (fecha);
CREATE INDEX IF NOT EXISTS idx_detalle_venta_venta ON detalle_venta (id_venta);
`

// Migrate creates the tables if missing and makes sure the walk-in client row exists.
func (s *Store) Migrate(ctx context.Context, walkInClientID int64) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return translateErr(err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clientes (id_cliente, nombre) VALUES ($1, 'Consumidor final') ON CONFLICT (id_cliente) DO NOTHING`,
		walkInClientID)
	if err != nil {
		return translateErr(err)
	}
	_, err = s.db.ExecContext(ctx,
		`SELECT setval(pg_get_serial_sequence('clientes', 'id_cliente'), (SELECT MAX(id_cliente) FROM clientes))`)
	return translateErr(err)
}
